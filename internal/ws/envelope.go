package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/Khels/WebChat/internal/models"
	"github.com/Khels/WebChat/internal/service"
	"github.com/go-playground/validator/v10"
)

type EnvelopeType string

const (
	TypeAuthentication EnvelopeType = "authentication"
	TypeNotification   EnvelopeType = "notification"
	TypeMessage        EnvelopeType = "message"
)

type NotificationType string

const (
	UserTyping        NotificationType = "user_typing"
	UserStoppedTyping NotificationType = "user_stopped_typing"
	UserOnline        NotificationType = "user_online"
	UserOffline       NotificationType = "user_offline"
)

// MinTokenLength 与签发的 token 长度一致，更短的一定是格式错误。
const MinTokenLength = 64

var errTokenRequired = errors.New("token required")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Envelope 是 websocket 上传输的 {type, body} 结构。
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Body json.RawMessage `json:"body"`
}

// outEnvelope 用于编码发往客户端与总线的消息。
type outEnvelope struct {
	Type EnvelopeType `json:"type"`
	Body any          `json:"body"`
}

type AuthBody struct {
	Token string `json:"token"`
}

// Inbound 是认证之后客户端可以发送的消息体，只有下面两种实现。
type Inbound interface {
	inbound()
}

type NotificationBody struct {
	Type   NotificationType `json:"type" validate:"required,oneof=user_typing user_stopped_typing user_online user_offline"`
	UserID uint             `json:"user_id"`
}

type MessageBody struct {
	ChatID  uint               `json:"chat_id" validate:"required"`
	Type    models.MessageType `json:"type" validate:"required,oneof=text voice file"`
	Content string             `json:"content" validate:"required"`
}

func (*NotificationBody) inbound() {}
func (*MessageBody) inbound()      {}

func (b *MessageBody) create() service.MessageCreate {
	return service.MessageCreate{ChatID: b.ChatID, Type: b.Type, Content: b.Content}
}

// ParseAuth 解析连接上的第一帧。空 token 返回 errTokenRequired，其余格式问题返回校验错误。
func ParseAuth(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", invalidFrame("malformed envelope")
	}
	if env.Type != TypeAuthentication {
		return "", invalidFrame("message type should be set to authentication")
	}
	var body AuthBody
	if len(env.Body) == 0 || json.Unmarshal(env.Body, &body) != nil {
		return "", invalidFrame("body: field 'token' is required")
	}
	if body.Token == "" {
		return "", errTokenRequired
	}
	if len(body.Token) < MinTokenLength {
		return "", invalidFrame(fmt.Sprintf("body: field 'token' must be at least %d characters", MinTokenLength))
	}
	return body.Token, nil
}

// ParseInbound 按 type 把一帧解码为对应的消息体，未知字段视为错误。
func ParseInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidFrame("malformed envelope")
	}
	var body Inbound
	switch env.Type {
	case TypeNotification:
		body = &NotificationBody{}
	case TypeMessage:
		body = &MessageBody{}
	default:
		return nil, invalidFrame(fmt.Sprintf("unsupported message type %q", env.Type))
	}
	if len(env.Body) == 0 {
		return nil, invalidFrame("body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(env.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(body); err != nil {
		return nil, invalidFrame("body: " + err.Error())
	}
	if err := validate.Struct(body); err != nil {
		return nil, invalidFrame("body: " + describe(err))
	}
	return body, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' %s", fe.Field(), msgForTag(fe)))
	}
	return strings.Join(msgs, "; ")
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

func invalidFrame(detail string) error {
	return &service.ValidationError{Detail: detail}
}

// errorFrame 是只发给当前连接的错误消息。
func errorFrame(code, detail string) []byte {
	b, _ := json.Marshal(map[string]any{"error": map[string]string{"code": code, "detail": detail}})
	return b
}
