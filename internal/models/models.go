package models

import (
	"strings"
	"time"
)

// Identity 与 Created 以组合方式嵌入各实体，提供主键与创建时间列。
type Identity struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

type Created struct {
	CreatedAt time.Time `json:"created_at"`
}

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

type ChatType string

const (
	ChatSelf     ChatType = "self"
	ChatPairwise ChatType = "pairwise"
	ChatGroup    ChatType = "group"
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatSelf, ChatPairwise, ChatGroup:
		return true
	}
	return false
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageVoice MessageType = "voice"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageVoice, MessageFile:
		return true
	}
	return false
}

type User struct {
	Identity
	Username     string     `gorm:"size:64;not null" json:"username"`
	UsernameKey  string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	FirstName    string     `gorm:"size:64;not null" json:"first_name"`
	LastName     string     `gorm:"size:64;not null" json:"last_name"`
	PasswordHash string     `gorm:"size:256;not null" json:"-"`
	LastOnline   *time.Time `json:"last_online"`
	IsActive     bool       `gorm:"not null" json:"is_active"`
	IsAdmin      bool       `gorm:"not null" json:"is_admin"`
	Created
}

// UsernameKey 返回用于大小写不敏感唯一约束的用户名键。
func UsernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type Token struct {
	Identity
	Token   string    `gorm:"uniqueIndex;size:128;not null"`
	Kind    TokenKind `gorm:"size:16;not null;uniqueIndex:idx_token_user_kind"`
	UserID  uint      `gorm:"not null;uniqueIndex:idx_token_user_kind"`
	User    User      `gorm:"constraint:OnDelete:CASCADE"`
	Expires time.Time `gorm:"not null"`
	Scopes  string    `gorm:"type:text;not null"` // space-separated
	Created
}

// Expired 过期由时间推导，不单独存储状态。
func (t Token) Expired(now time.Time) bool {
	return !t.Expires.After(now)
}

type Chat struct {
	Identity
	Name         *string           `gorm:"size:128" json:"name"`
	Type         ChatType          `gorm:"size:16;not null;index" json:"type"`
	ImageURL     *string           `json:"image_url"`
	Participants []ChatParticipant `gorm:"constraint:OnDelete:CASCADE" json:"participants"`
	Messages     []Message         `gorm:"constraint:OnDelete:CASCADE" json:"messages"`
	Created
}

type ChatParticipant struct {
	ChatID  uint  `gorm:"primaryKey;autoIncrement:false" json:"chat_id"`
	UserID  uint  `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	User    *User `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	IsAdmin bool  `gorm:"not null" json:"is_admin"`
	Created
}

// Message 中 AuthorID 与 SenderID 分开存储，目前两者总是相同。
type Message struct {
	Identity
	AuthorID uint        `gorm:"not null;index" json:"author_id"`
	SenderID uint        `gorm:"not null" json:"sender_id"`
	ChatID   uint        `gorm:"not null;index:idx_msg_chat_id" json:"chat_id"`
	Type     MessageType `gorm:"size:16;not null" json:"type"`
	Content  string      `gorm:"type:text;not null" json:"content"`
	IsRead   bool        `gorm:"not null" json:"is_read"`
	IsEdited bool        `gorm:"not null" json:"is_edited"`
	Created
}

// All 返回需要自动迁移的全部模型。
func All() []any {
	return []any{&User{}, &Token{}, &Chat{}, &ChatParticipant{}, &Message{}}
}
