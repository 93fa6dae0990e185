package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Khels/WebChat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatService 负责会话成员关系及会话类型约束。
type ChatService struct {
	db *gorm.DB
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{db: db}
}

type ParticipantCreate struct {
	ID      uint `json:"id" binding:"required"`
	IsAdmin bool `json:"is_admin"`
}

// ChatCreate 是创建会话的请求体，GROUP 类型必须带名称。
type ChatCreate struct {
	Name         *string             `json:"name" binding:"omitempty,max=128"`
	Type         models.ChatType     `json:"type" binding:"required"`
	ImageURL     *string             `json:"image_url" binding:"omitempty,max=512"`
	Participants []ParticipantCreate `json:"participants" binding:"dive"`
}

func (in ChatCreate) validate() error {
	if !in.Type.Valid() {
		return invalid(fmt.Sprintf("unknown chat type %q", in.Type))
	}
	if in.Type == models.ChatGroup && (in.Name == nil || strings.TrimSpace(*in.Name) == "") {
		return invalid("name should be specified for group chats")
	}
	return nil
}

// CreateChat 创建会话，请求者总是以管理员身份加入。
// SELF 只能包含请求者本人且每人至多一个；PAIRWISE 恰好两人且同一对用户至多一个。
func (s *ChatService) CreateChat(ctx context.Context, requestor *models.User, in ChatCreate) (*models.Chat, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	participants := normalizeParticipants(requestor.ID, in.Participants)
	ids := make([]uint, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}

	switch in.Type {
	case models.ChatSelf:
		if len(participants) != 1 {
			return nil, invalid("a self chat may only contain its owner")
		}
	case models.ChatPairwise:
		if len(participants) != 2 {
			return nil, invalid("a pairwise chat must have exactly two participants")
		}
		for i := range participants {
			participants[i].IsAdmin = true
		}
	}

	chat := models.Chat{Name: in.Name, Type: in.Type, ImageURL: in.ImageURL}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 按 id 顺序锁住参与者行，并发创建同一对会话时后到者在冲突检查前等待。
		var found []uint
		err := tx.Model(&models.User{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", ids).
			Order("id").
			Pluck("id", &found).Error
		if err != nil {
			return err
		}
		if len(found) != len(ids) {
			return invalid("unknown participant")
		}
		if err := checkConflict(tx, in.Type, ids); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(&chat).Error; err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		for i := range participants {
			participants[i].ChatID = chat.ID
		}
		if err := tx.Omit(clause.Associations).Create(&participants).Error; err != nil {
			return fmt.Errorf("create participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	chat.Participants = participants
	chat.Messages = []models.Message{}
	return &chat, nil
}

// normalizeParticipants 去重并保证请求者在列表中且为管理员。
func normalizeParticipants(requestorID uint, in []ParticipantCreate) []models.ChatParticipant {
	out := []models.ChatParticipant{{UserID: requestorID, IsAdmin: true}}
	seen := map[uint]int{requestorID: 0}
	for _, p := range in {
		if i, ok := seen[p.ID]; ok {
			out[i].IsAdmin = out[i].IsAdmin || p.IsAdmin
			continue
		}
		seen[p.ID] = len(out)
		out = append(out, models.ChatParticipant{UserID: p.ID, IsAdmin: p.IsAdmin})
	}
	return out
}

func checkConflict(tx *gorm.DB, typ models.ChatType, ids []uint) error {
	switch typ {
	case models.ChatSelf:
		var n int64
		err := tx.Model(&models.ChatParticipant{}).
			Joins("JOIN chats ON chats.id = chat_participants.chat_id").
			Where("chats.type = ? AND chat_participants.user_id IN ?", models.ChatSelf, ids).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return &ChatConflictError{Reason: "self chat already exists"}
		}
	case models.ChatPairwise:
		var chatIDs []uint
		err := tx.Model(&models.ChatParticipant{}).
			Joins("JOIN chats ON chats.id = chat_participants.chat_id").
			Where("chats.type = ? AND chat_participants.user_id IN ?", models.ChatPairwise, ids).
			Group("chat_participants.chat_id").
			Having("COUNT(DISTINCT chat_participants.user_id) = ?", len(ids)).
			Limit(1).
			Pluck("chat_participants.chat_id", &chatIDs).Error
		if err != nil {
			return err
		}
		if len(chatIDs) > 0 {
			return &ChatConflictError{Reason: "pairwise chat already exists"}
		}
	}
	return nil
}

// ListChats 返回用户参与的全部会话，附带成员与最近一条消息，查询次数与会话数无关。
func (s *ChatService) ListChats(ctx context.Context, userID uint) ([]models.Chat, error) {
	db := s.db.WithContext(ctx)
	member := db.Model(&models.ChatParticipant{}).Select("chat_id").Where("user_id = ?", userID)
	chats := make([]models.Chat, 0)
	err := db.
		Where("id IN (?)", member).
		Preload("Participants", func(q *gorm.DB) *gorm.DB { return q.Order("user_id") }).
		Preload("Messages", "messages.id = (SELECT m2.id FROM messages AS m2 WHERE m2.chat_id = messages.chat_id ORDER BY m2.created_at DESC, m2.id DESC LIMIT 1)").
		Order("id").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	for i := range chats {
		if chats[i].Messages == nil {
			chats[i].Messages = []models.Message{}
		}
	}
	return chats, nil
}

// DeleteChat 只有会话管理员可以删除，消息与成员在同一事务中删除。
func (s *ChatService) DeleteChat(ctx context.Context, chatID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.ChatParticipant
		err := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !p.IsAdmin) {
			return ErrForbidden
		}
		if err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&models.ChatParticipant{}).Error; err != nil {
			return fmt.Errorf("delete participants: %w", err)
		}
		return tx.Delete(&models.Chat{}, chatID).Error
	})
}

// IsParticipant 判断用户是否为会话成员。
func (s *ChatService) IsParticipant(ctx context.Context, chatID, userID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&n).Error
	return n > 0, err
}
