package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/models"
	"github.com/Khels/WebChat/internal/service"
	"github.com/Khels/WebChat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	tokens  *auth.Store
	userSvc *service.UserService
	chatSvc *service.ChatService
	msgSvc  *service.MessageService
	pub     *ws.Publisher
}

func NewHandler(tokens *auth.Store, userSvc *service.UserService, chatSvc *service.ChatService, msgSvc *service.MessageService, pub *ws.Publisher) *Handler {
	return &Handler{tokens: tokens, userSvc: userSvc, chatSvc: chatSvc, msgSvc: msgSvc, pub: pub}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func pairResponse(p *auth.Pair) tokenResponse {
	return tokenResponse{AccessToken: p.Access.Token, RefreshToken: p.Refresh.Token, TokenType: "bearer"}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req service.UserCreate
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	user, err := h.userSvc.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// Token 用用户名密码换取 token 对，支持表单与 JSON。
func (h *Handler) Token(c *gin.Context) {
	var req struct {
		Username string `json:"username" form:"username" binding:"required"`
		Password string `json:"password" form:"password" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	pair, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairResponse(pair))
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" form:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}
	pair, err := h.userSvc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairResponse(pair))
}

func (h *Handler) RevokeToken(c *gin.Context) {
	if err := h.userSvc.Revoke(c.Request.Context(), auth.GetUserID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, auth.CurrentUser(c))
}

func (h *Handler) ListUsers(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	users, err := h.userSvc.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) GetUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, err := h.userSvc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateChat 处理创建会话请求。
func (h *Handler) CreateChat(c *gin.Context) {
	var req service.ChatCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	chat, err := h.chatSvc.CreateChat(c.Request.Context(), auth.CurrentUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

// ListChats 返回当前用户的会话列表。
func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chatSvc.ListChats(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.chatSvc.DeleteChat(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages 处理获取会话消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	msgs, err := h.msgSvc.ListMessages(c.Request.Context(), id, auth.GetUserID(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// CreateMessage 保存消息并广播给在线的会话成员。
func (h *Handler) CreateMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Type    models.MessageType `json:"type" binding:"required"`
		Content string             `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	userID := auth.GetUserID(c)
	msg, err := h.msgSvc.CreateMessage(c.Request.Context(), service.MessageCreate{ChatID: id, Type: req.Type, Content: req.Content}, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.pub.Message(c.Request.Context(), msg); err != nil {
		log.Warn().Err(err).Uint("message_id", msg.ID).Msg("broadcast message")
	}
	c.JSON(http.StatusCreated, msg)
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "validation_error", "invalid id")
		return 0, false
	}
	return uint(id), true
}

func pagination(c *gin.Context) (int, int, bool) {
	limit, offset := 0, 0
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			respondError(c, http.StatusBadRequest, "validation_error", "invalid limit")
			return 0, 0, false
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			respondError(c, http.StatusBadRequest, "validation_error", "invalid offset")
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func badRequest(c *gin.Context, err error) {
	respondError(c, http.StatusBadRequest, "validation_error", err.Error())
}

func respondError(c *gin.Context, status int, code, detail string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "detail": detail}})
}

// writeError 把业务错误映射为状态码与错误类别，未知错误按 500 处理并记录日志。
func writeError(c *gin.Context, err error) {
	var conflict *service.ChatConflictError
	var invalid *service.ValidationError
	switch {
	case errors.As(err, &conflict):
		respondError(c, http.StatusConflict, "chat_creation_conflict", conflict.Reason)
	case errors.As(err, &invalid):
		respondError(c, http.StatusBadRequest, "validation_error", invalid.Detail)
	case errors.Is(err, service.ErrUsernameTaken):
		respondError(c, http.StatusConflict, "username_taken", err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		c.Header("WWW-Authenticate", "Bearer")
		respondError(c, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, auth.ErrTokenExpired):
		c.Header("WWW-Authenticate", "Bearer")
		respondError(c, http.StatusUnauthorized, "token_expired", err.Error())
	case errors.Is(err, auth.ErrInvalidToken):
		c.Header("WWW-Authenticate", "Bearer")
		respondError(c, http.StatusUnauthorized, "invalid_token", err.Error())
	case errors.Is(err, service.ErrInactiveUser):
		respondError(c, http.StatusBadRequest, "inactive_user", err.Error())
	case errors.Is(err, service.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, service.ErrForbidden):
		respondError(c, http.StatusForbidden, "forbidden", "only chat admins can do this")
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}
