package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Khels/WebChat/internal/models"
	"github.com/jaevor/go-nanoid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	TokenLength   = 64
	tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// DefaultScopes 是登录与刷新时签发的权限范围。
var DefaultScopes = []string{"users", "chats", "messages"}

// Pair 是一次登录或刷新签发的 token 对。
type Pair struct {
	Access  models.Token
	Refresh models.Token
}

// Store 负责不透明 token 的签发、校验与吊销，token 只存在于数据库中。
type Store struct {
	db         *gorm.DB
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu  sync.Mutex
	gen func() string
}

func NewStore(db *gorm.DB, accessTTL, refreshTTL time.Duration) (*Store, error) {
	gen, err := nanoid.CustomASCII(tokenAlphabet, TokenLength)
	if err != nil {
		return nil, fmt.Errorf("token generator: %w", err)
	}
	return &Store{db: db, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now, gen: gen}, nil
}

// SetClock 替换时间来源，测试用。
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen()
}

// Issue 为用户签发一个新 token，同类型的旧 token 先被删除。
func (s *Store) Issue(ctx context.Context, userID uint, kind models.TokenKind, ttl time.Duration, scopes []string) (*models.Token, error) {
	var tok *models.Token
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		tok, err = s.issue(tx, userID, kind, s.now().Add(ttl), scopes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *Store) issue(tx *gorm.DB, userID uint, kind models.TokenKind, expires time.Time, scopes []string) (*models.Token, error) {
	if err := tx.Where("user_id = ? AND kind = ?", userID, kind).Delete(&models.Token{}).Error; err != nil {
		return nil, fmt.Errorf("delete %s tokens: %w", kind, err)
	}
	tok := models.Token{
		Token:   s.generate(),
		Kind:    kind,
		UserID:  userID,
		Expires: expires.UTC(),
		Scopes:  strings.Join(scopes, " "),
	}
	if err := tx.Omit(clause.Associations).Create(&tok).Error; err != nil {
		return nil, fmt.Errorf("create %s token: %w", kind, err)
	}
	return &tok, nil
}

// Validate 按 token 串与类型查找，并在同一次查询中带出所属用户。
func (s *Store) Validate(ctx context.Context, raw string, kind models.TokenKind) (*models.User, *models.Token, error) {
	if raw == "" {
		return nil, nil, ErrInvalidToken
	}
	var tok models.Token
	err := s.db.WithContext(ctx).
		Joins("User").
		Where("tokens.token = ? AND tokens.kind = ?", raw, kind).
		First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup token: %w", err)
	}
	if tok.Expired(s.now()) {
		return nil, nil, ErrTokenExpired
	}
	user := tok.User
	return &user, &tok, nil
}

// RevokeAll 删除用户名下的全部 token。
func (s *Store) RevokeAll(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Token{}).Error
}

// Rotate 在一个事务内吊销旧 token 并签发新的 access/refresh 对。
// refreshExpires 非零时沿用原 refresh token 的过期时间，避免刷新延长其寿命。
func (s *Store) Rotate(ctx context.Context, userID uint, scopes []string, refreshExpires time.Time) (*Pair, error) {
	now := s.now()
	if refreshExpires.IsZero() {
		refreshExpires = now.Add(s.refreshTTL)
	}
	var pair Pair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Token{}).Error; err != nil {
			return fmt.Errorf("revoke tokens: %w", err)
		}
		access, err := s.issue(tx, userID, models.TokenAccess, now.Add(s.accessTTL), scopes)
		if err != nil {
			return err
		}
		refresh, err := s.issue(tx, userID, models.TokenRefresh, refreshExpires, scopes)
		if err != nil {
			return err
		}
		pair.Access, pair.Refresh = *access, *refresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pair, nil
}
