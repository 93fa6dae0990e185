package service

import (
	"context"
	"fmt"

	"github.com/Khels/WebChat/internal/models"

	"gorm.io/gorm"
)

// MessageService 封装消息相关的业务逻辑。
type MessageService struct {
	db    *gorm.DB
	chats *ChatService
}

func NewMessageService(db *gorm.DB, chats *ChatService) *MessageService {
	return &MessageService{db: db, chats: chats}
}

// MessageCreate 是新消息的输入，REST 与 websocket 共用；字段校验在 CreateMessage 中完成。
type MessageCreate struct {
	ChatID  uint               `json:"chat_id"`
	Type    models.MessageType `json:"type"`
	Content string             `json:"content"`
}

// ListMessages 按创建时间升序分页返回会话消息；非成员与会话不存在同样返回 ErrNotFound。
func (s *MessageService) ListMessages(ctx context.Context, chatID, userID uint, limit, offset int) ([]models.Message, error) {
	ok, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	limit, offset = page(limit, offset)
	msgs := make([]models.Message, 0, limit)
	err = s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at, id").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessage 校验成员身份后保存消息，作者与发送者均为当前用户。
func (s *MessageService) CreateMessage(ctx context.Context, in MessageCreate, userID uint) (*models.Message, error) {
	if !in.Type.Valid() {
		return nil, invalid(fmt.Sprintf("unknown message type %q", in.Type))
	}
	if in.Content == "" {
		return nil, invalid("content is required")
	}
	ok, err := s.chats.IsParticipant(ctx, in.ChatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", in.ChatID, ErrNotFound)
	}
	msg := models.Message{
		AuthorID: userID,
		SenderID: userID,
		ChatID:   in.ChatID,
		Type:     in.Type,
		Content:  in.Content,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}
