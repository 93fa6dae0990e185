package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/models"

	"gorm.io/gorm"
)

// UserService 封装用户注册、登录与在线状态相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	tokens *auth.Store
}

func NewUserService(db *gorm.DB, tokens *auth.Store) *UserService {
	return &UserService{db: db, tokens: tokens}
}

// UserCreate 是注册请求体。
type UserCreate struct {
	Username        string `json:"username" form:"username" binding:"required,min=2,max=64"`
	FirstName       string `json:"first_name" form:"first_name" binding:"max=64"`
	LastName        string `json:"last_name" form:"last_name" binding:"max=64"`
	Password        string `json:"password" form:"password" binding:"required,min=4,max=72"`
	PasswordConfirm string `json:"password_confirm" form:"password_confirm" binding:"required"`
}

// Register 注册新用户，用户名大小写不敏感唯一，注册后即为激活状态。
func (s *UserService) Register(ctx context.Context, in UserCreate) (*models.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, invalid("username is required")
	}
	if in.Password != in.PasswordConfirm {
		return nil, invalid("passwords do not match")
	}
	key := models.UsernameKey(username)

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username_key = ?", key).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Username:     username,
		UsernameKey:  key,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		IsActive:     true,
	}
	// 先查后插之间可能被并发注册抢先，以唯一索引为准。
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return &user, nil
}

// Login 校验用户名密码，吊销旧 token 并签发新的 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*auth.Pair, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("username_key = ?", models.UsernameKey(username)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return s.tokens.Rotate(ctx, user.ID, auth.DefaultScopes, time.Time{})
}

// Refresh 用有效的 refresh token 换取新的 token 对，新 refresh token 沿用原过期时间。
func (s *UserService) Refresh(ctx context.Context, refresh string) (*auth.Pair, error) {
	user, tok, err := s.tokens.Validate(ctx, refresh, models.TokenRefresh)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	scopes := strings.Fields(tok.Scopes)
	if len(scopes) == 0 {
		scopes = auth.DefaultScopes
	}
	return s.tokens.Rotate(ctx, user.ID, scopes, tok.Expires)
}

// Revoke 注销：删除用户名下的全部 token。
func (s *UserService) Revoke(ctx context.Context, userID uint) error {
	return s.tokens.RevokeAll(ctx, userID)
}

func (s *UserService) Get(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// List 按 id 升序分页返回用户。
func (s *UserService) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	limit, offset = page(limit, offset)
	users := make([]models.User, 0, limit)
	err := s.db.WithContext(ctx).Order("id").Limit(limit).Offset(offset).Find(&users).Error
	return users, err
}

// SetOnline 清空 last_online，表示用户当前在线。
func (s *UserService) SetOnline(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Update("last_online", gorm.Expr("NULL")).Error
}

// SetOffline 记录用户最后在线时间。
func (s *UserService) SetOffline(ctx context.Context, userID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Update("last_online", at.UTC()).Error
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
