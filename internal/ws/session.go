package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/broadcast"
	"github.com/Khels/WebChat/internal/metrics"
	"github.com/Khels/WebChat/internal/models"
	"github.com/Khels/WebChat/internal/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// 应用自定义的关闭码。
const (
	CloseTokenRequired   = 4000
	CloseInvalidToken    = 4001
	CloseTokenExpired    = 4002
	CloseInactiveUser    = 4003
	CloseValidationError = 4004
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	closingTimeout = 5 * time.Second
)

// errClientGone 表示客户端断开或不再响应，属于正常结束。
var errClientGone = errors.New("client disconnected")

// session 对应一条 websocket 连接：先认证，再并发收发，最后标记离线。
type session struct {
	h    *Handler
	conn *websocket.Conn
	log  zerolog.Logger
	user *models.User

	wmu sync.Mutex

	// 仅 outbound 使用，缓存已确认的成员关系。
	member map[uint]bool
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	user, code, reason := s.authenticate(ctx)
	if user == nil {
		metrics.WsRejectedTotal.WithLabelValues(strconv.Itoa(code)).Inc()
		s.log.Info().Int("code", code).Str("reason", reason).Msg("ws rejected")
		s.close(code, reason)
		return
	}
	s.user = user
	s.log = s.log.With().Uint("user_id", user.ID).Logger()

	if err := s.h.users.SetOnline(ctx, user.ID); err != nil {
		s.log.Error().Err(err).Msg("ws set online")
		s.close(websocket.CloseInternalServerErr, "internal error")
		return
	}
	metrics.WsConnections.Inc()
	defer metrics.WsConnections.Dec()
	s.log.Info().Msg("ws connected")

	err := s.stream(ctx)

	// 请求上下文可能已经取消，离线状态用独立的上下文提交。
	cctx, cancel := context.WithTimeout(context.Background(), closingTimeout)
	defer cancel()
	if err := s.h.users.SetOffline(cctx, user.ID, time.Now()); err != nil {
		s.log.Error().Err(err).Msg("ws set offline")
	}
	if err := s.h.pub.Notification(cctx, UserOffline, user.ID); err != nil {
		s.log.Warn().Err(err).Msg("ws publish offline")
	}

	code, reason = closeFor(err)
	if code != websocket.CloseNormalClosure {
		s.log.Warn().Err(err).Int("code", code).Msg("ws closed")
	} else {
		s.log.Info().Msg("ws disconnected")
	}
	s.close(code, reason)
}

// authenticate 等待第一帧认证消息，失败时返回关闭码与原因。
func (s *session) authenticate(ctx context.Context) (*models.User, int, string) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.h.authTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, CloseTokenRequired, "token required"
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	token, err := ParseAuth(data)
	if errors.Is(err, errTokenRequired) {
		return nil, CloseTokenRequired, "token required"
	}
	if err != nil {
		_ = s.write(errorFrame("validation_error", err.Error()))
		return nil, CloseValidationError, "validation error"
	}

	user, _, err := s.h.tokens.Validate(ctx, token, models.TokenAccess)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return nil, CloseTokenExpired, "token has expired"
	case errors.Is(err, auth.ErrInvalidToken):
		return nil, CloseInvalidToken, "invalid token"
	case err != nil:
		s.log.Error().Err(err).Msg("ws validate token")
		return nil, websocket.CloseInternalServerErr, "internal error"
	}
	if !user.IsActive {
		return nil, CloseInactiveUser, "inactive user"
	}
	return user, 0, ""
}

// stream 同时运行收、发与心跳三个任务，任一结束即取消其余任务。
func (s *session) stream(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		if gctx.Err() != nil {
			return nil
		}
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// 先订阅再广播上线通知，保证本连接也能收到之后的事件。
	ready := make(chan struct{})
	g.Go(func() error { return s.outbound(gctx, ready) })
	select {
	case <-ready:
		if err := s.h.pub.Notification(gctx, UserOnline, s.user.ID); err != nil {
			s.log.Warn().Err(err).Msg("ws publish online")
		}
	case <-gctx.Done():
	}
	g.Go(func() error { return s.inbound(gctx) })
	g.Go(func() error { return s.keepalive(gctx) })
	return g.Wait()
}

// inbound 读取客户端消息；单条消息的校验错误只回给本连接，不结束会话。
func (s *session) inbound(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		in, err := ParseInbound(data)
		if err != nil {
			if err := s.write(errorFrame("validation_error", err.Error())); err != nil {
				return fmt.Errorf("%w: %v", errClientGone, err)
			}
			continue
		}
		if err := s.handle(ctx, in); err != nil {
			return err
		}
	}
}

func (s *session) handle(ctx context.Context, in Inbound) error {
	switch body := in.(type) {
	case *MessageBody:
		msg, err := s.h.msgs.CreateMessage(ctx, body.create(), s.user.ID)
		if err != nil {
			code := ""
			switch {
			case errors.Is(err, service.ErrValidation):
				code = "validation_error"
			case errors.Is(err, service.ErrNotFound):
				code = "not_found"
			default:
				return err
			}
			if werr := s.write(errorFrame(code, err.Error())); werr != nil {
				return fmt.Errorf("%w: %v", errClientGone, werr)
			}
			return nil
		}
		metrics.WsMessagesTotal.Inc()
		return s.h.pub.Message(ctx, msg)
	case *NotificationBody:
		return s.h.pub.Notification(ctx, body.Type, s.user.ID)
	}
	return nil
}

// outbound 在一次订阅的生命周期内把事件转发给客户端。
// 消息事件只转发给所属会话的成员，通知事件转发给所有人。
func (s *session) outbound(ctx context.Context, ready chan<- struct{}) error {
	return s.h.bc.Subscribe(ctx, s.h.channel, func(sub *broadcast.Subscriber) error {
		close(ready)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			ok, err := s.visible(ctx, ev.Payload)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.write(ev.Payload); err != nil {
				return fmt.Errorf("%w: %v", errClientGone, err)
			}
		}
	})
}

func (s *session) visible(ctx context.Context, payload []byte) (bool, error) {
	var env struct {
		Type EnvelopeType `json:"type"`
		Body struct {
			ChatID uint `json:"chat_id"`
		} `json:"body"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		s.log.Warn().Err(err).Msg("ws drop undecodable event")
		return false, nil
	}
	switch env.Type {
	case TypeNotification:
		return true, nil
	case TypeMessage:
		if s.member[env.Body.ChatID] {
			return true, nil
		}
		ok, err := s.h.chats.IsParticipant(ctx, env.Body.ChatID, s.user.ID)
		if err != nil {
			return false, err
		}
		if ok {
			s.member[env.Body.ChatID] = true
		}
		return ok, nil
	}
	return false, nil
}

func (s *session) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("%w: ping: %v", errClientGone, err)
			}
		}
	}
}

func (s *session) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// closeFor 把会话结束原因映射为关闭码。
func closeFor(err error) (int, string) {
	switch {
	case err == nil, errors.Is(err, errClientGone), errors.Is(err, context.Canceled):
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, broadcast.ErrClosed):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, broadcast.ErrSlowConsumer):
		return websocket.CloseTryAgainLater, "too slow"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
