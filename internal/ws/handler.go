package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/broadcast"
	"github.com/Khels/WebChat/internal/models"
	"github.com/Khels/WebChat/internal/mw"
	"github.com/Khels/WebChat/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Publisher 把消息与通知编码为信封后发布到共享频道，REST 与 websocket 共用。
type Publisher struct {
	bc      *broadcast.Broadcast
	channel string
}

func NewPublisher(bc *broadcast.Broadcast, channel string) *Publisher {
	return &Publisher{bc: bc, channel: channel}
}

func (p *Publisher) Message(ctx context.Context, msg *models.Message) error {
	return p.publish(ctx, outEnvelope{Type: TypeMessage, Body: msg})
}

// Notification 发布通知，user_id 总是当前连接的用户。
func (p *Publisher) Notification(ctx context.Context, typ NotificationType, userID uint) error {
	return p.publish(ctx, outEnvelope{Type: TypeNotification, Body: NotificationBody{Type: typ, UserID: userID}})
}

func (p *Publisher) publish(ctx context.Context, env outEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.bc.Publish(ctx, p.channel, data)
}

type Options struct {
	Channel        string
	AuthTimeout    time.Duration
	AllowedOrigins []string
}

// Handler 持有建立 websocket 会话所需的全部依赖。
type Handler struct {
	tokens *auth.Store
	users  *service.UserService
	chats  *service.ChatService
	msgs   *service.MessageService
	bc     *broadcast.Broadcast
	pub    *Publisher

	channel     string
	authTimeout time.Duration
	upgrader    websocket.Upgrader

	// 连接被劫持后 http.Server 不再跟踪，由这里等待会话收尾。
	sessions sync.WaitGroup
}

func NewHandler(tokens *auth.Store, users *service.UserService, chats *service.ChatService, msgs *service.MessageService, bc *broadcast.Broadcast, opts Options) *Handler {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	origins := opts.AllowedOrigins
	return &Handler{
		tokens:      tokens,
		users:       users,
		chats:       chats,
		msgs:        msgs,
		bc:          bc,
		pub:         NewPublisher(bc, opts.Channel),
		channel:     opts.Channel,
		authTimeout: opts.AuthTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || mw.OriginAllowed(origins, origin)
			},
		},
	}
}

// Publisher 返回与会话共用的发布器。
func (h *Handler) Publisher() *Publisher { return h.pub }

// Serve 升级连接并在当前 goroutine 中运行会话直到连接关闭。
func (h *Handler) Serve(c *gin.Context) {
	h.sessions.Add(1)
	defer h.sessions.Done()
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("ws upgrade")
		return
	}
	s := &session{
		h:      h,
		conn:   conn,
		log:    log.With().Str("session", uuid.NewString()).Logger(),
		member: make(map[uint]bool),
	}
	s.run(c.Request.Context())
}

// Wait 阻塞到所有会话完成离线处理，或 ctx 结束。
// 停服时应在 Broadcast.Disconnect 之后、关闭数据库之前调用。
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
