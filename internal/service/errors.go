package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUsernameTaken        = errors.New("username taken")
	ErrInvalidCredentials   = errors.New("incorrect username or password")
	ErrInactiveUser         = errors.New("inactive user")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrValidation           = errors.New("validation error")
	ErrChatCreationConflict = errors.New("chat creation conflict")
)

// ChatConflictError 说明重复的是哪一类会话。
type ChatConflictError struct {
	Reason string
}

func (e *ChatConflictError) Error() string { return e.Reason }

func (e *ChatConflictError) Unwrap() error { return ErrChatCreationConflict }

// ValidationError 携带面向客户端的具体字段说明。
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(detail string) error { return &ValidationError{Detail: detail} }
