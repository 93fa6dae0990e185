package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Khels/WebChat/internal/auth"
	"github.com/Khels/WebChat/internal/db"
	"github.com/Khels/WebChat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	users *UserService
	chats *ChatService
	msgs  *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Connect("sqlite", "file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := auth.NewStore(gdb, 30*time.Minute, 180*24*time.Hour)
	require.NoError(t, err)
	chats := NewChatService(gdb)
	return &fixture{
		db:    gdb,
		users: NewUserService(gdb, store),
		chats: chats,
		msgs:  NewMessageService(gdb, chats),
	}
}

func (f *fixture) register(t *testing.T, name string) *models.User {
	t.Helper()
	u, err := f.users.Register(context.Background(), UserCreate{Username: name, Password: "secret", PasswordConfirm: "secret"})
	require.NoError(t, err)
	return u
}

func strPtr(s string) *string { return &s }

func TestUserService_Register(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := f.register(t, "Alice")
	assert.NotZero(t, u.ID)
	assert.True(t, u.IsActive)
	assert.Equal(t, "Alice", u.Username)
	assert.NotEqual(t, "secret", u.PasswordHash)

	_, err := f.users.Register(ctx, UserCreate{Username: "alice", Password: "secret", PasswordConfirm: "secret"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = f.users.Register(ctx, UserCreate{Username: "bob", Password: "secret", PasswordConfirm: "other"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUserService_RegisterConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 6
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.users.Register(ctx, UserCreate{Username: "dora", Password: "secret", PasswordConfirm: "secret"})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrUsernameTaken)
	}
	assert.Equal(t, 1, created)
}

func TestUserService_LoginRefreshRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "alice")

	_, err := f.users.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.users.Login(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	pair, err := f.users.Login(ctx, "ALICE", "secret")
	require.NoError(t, err)
	assert.NotEqual(t, pair.Access.Token, pair.Refresh.Token)

	next, err := f.users.Refresh(ctx, pair.Refresh.Token)
	require.NoError(t, err)
	assert.True(t, next.Refresh.Expires.Equal(pair.Refresh.Expires))

	_, err = f.users.Refresh(ctx, pair.Refresh.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken, "old refresh token is rotated out")
	_, err = f.users.Refresh(ctx, next.Access.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken, "access token cannot refresh")

	require.NoError(t, f.users.Revoke(ctx, u.ID))
	_, err = f.users.Refresh(ctx, next.Refresh.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestUserService_LoginInactive(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, "alice")
	require.NoError(t, f.db.Model(u).Update("is_active", false).Error)

	_, err := f.users.Login(context.Background(), "alice", "secret")
	assert.ErrorIs(t, err, ErrInactiveUser)
}

func TestUserService_OnlineOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "alice")

	at := time.Now().Add(-time.Minute)
	require.NoError(t, f.users.SetOffline(ctx, u.ID, at))
	got, err := f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastOnline)
	assert.WithinDuration(t, at, *got.LastOnline, time.Second)

	require.NoError(t, f.users.SetOnline(ctx, u.ID))
	got, err = f.users.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastOnline)

	_, err = f.users.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserService_List(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.register(t, fmt.Sprintf("user%d", i))
	}
	users, err := f.users.List(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "user1", users[0].Username)
	assert.Equal(t, "user2", users[1].Username)
}

func TestChatService_CreateSelf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	chat, err := f.chats.CreateChat(ctx, alice, ChatCreate{Type: models.ChatSelf})
	require.NoError(t, err)
	require.Len(t, chat.Participants, 1)
	assert.Equal(t, alice.ID, chat.Participants[0].UserID)
	assert.True(t, chat.Participants[0].IsAdmin)

	_, err = f.chats.CreateChat(ctx, alice, ChatCreate{Type: models.ChatSelf})
	assert.ErrorIs(t, err, ErrChatCreationConflict)
	var conflict *ChatConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "self chat already exists", conflict.Reason)

	_, err = f.chats.CreateChat(ctx, alice, ChatCreate{Type: models.ChatSelf, Participants: []ParticipantCreate{{ID: bob.ID}}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.chats.CreateChat(ctx, bob, ChatCreate{Type: models.ChatSelf})
	assert.NoError(t, err, "every user gets one self chat")
}

func TestChatService_CreatePairwise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	chat, err := f.chats.CreateChat(ctx, alice, ChatCreate{
		Type:         models.ChatPairwise,
		Participants: []ParticipantCreate{{ID: bob.ID}},
	})
	require.NoError(t, err)
	require.Len(t, chat.Participants, 2)
	for _, p := range chat.Participants {
		assert.True(t, p.IsAdmin, "user %d", p.UserID)
	}

	_, err = f.chats.CreateChat(ctx, bob, ChatCreate{
		Type:         models.ChatPairwise,
		Participants: []ParticipantCreate{{ID: alice.ID}},
	})
	assert.ErrorIs(t, err, ErrChatCreationConflict, "unordered pair")

	_, err = f.chats.CreateChat(ctx, alice, ChatCreate{
		Type:         models.ChatPairwise,
		Participants: []ParticipantCreate{{ID: carol.ID}},
	})
	assert.NoError(t, err, "a different pair sharing one user is allowed")

	_, err = f.chats.CreateChat(ctx, alice, ChatCreate{
		Type:         models.ChatPairwise,
		Participants: []ParticipantCreate{{ID: bob.ID}, {ID: carol.ID}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestChatService_CreatePairwiseConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	const n = 6
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requestor, other := alice, bob
			if i%2 == 1 {
				requestor, other = bob, alice
			}
			_, errs[i] = f.chats.CreateChat(ctx, requestor, ChatCreate{
				Type:         models.ChatPairwise,
				Participants: []ParticipantCreate{{ID: other.ID}},
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrChatCreationConflict)
	}
	assert.Equal(t, 1, created)

	var chats int64
	require.NoError(t, f.db.Model(&models.Chat{}).Where("type = ?", models.ChatPairwise).Count(&chats).Error)
	assert.EqualValues(t, 1, chats)
}

func TestChatService_CreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	_, err := f.chats.CreateChat(ctx, alice, ChatCreate{Type: models.ChatGroup})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.chats.CreateChat(ctx, alice, ChatCreate{
		Type: models.ChatGroup, Name: strPtr("g"), Participants: []ParticipantCreate{{ID: 999}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	chat, err := f.chats.CreateChat(ctx, alice, ChatCreate{
		Type: models.ChatGroup, Name: strPtr("friends"), Participants: []ParticipantCreate{{ID: bob.ID}},
	})
	require.NoError(t, err)
	require.Len(t, chat.Participants, 2)
	assert.Equal(t, alice.ID, chat.Participants[0].UserID)
	assert.True(t, chat.Participants[0].IsAdmin)
	assert.False(t, chat.Participants[1].IsAdmin)

	_, err = f.chats.CreateChat(ctx, alice, ChatCreate{
		Type: models.ChatGroup, Name: strPtr("friends again"), Participants: []ParticipantCreate{{ID: bob.ID}},
	})
	assert.NoError(t, err, "groups have no uniqueness constraint")
}

func TestChatService_ListChatsWithLatestMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	group, err := f.chats.CreateChat(ctx, alice, ChatCreate{
		Type: models.ChatGroup, Name: strPtr("g"), Participants: []ParticipantCreate{{ID: bob.ID}},
	})
	require.NoError(t, err)
	pair, err := f.chats.CreateChat(ctx, alice, ChatCreate{
		Type: models.ChatPairwise, Participants: []ParticipantCreate{{ID: carol.ID}},
	})
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.msgs.CreateMessage(ctx, MessageCreate{ChatID: group.ID, Type: models.MessageText, Content: content}, alice.ID)
		require.NoError(t, err)
	}

	chats, err := f.chats.ListChats(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, group.ID, chats[0].ID)
	assert.Len(t, chats[0].Participants, 2)
	require.Len(t, chats[0].Messages, 1)
	assert.Equal(t, "three", chats[0].Messages[0].Content)
	assert.Equal(t, pair.ID, chats[1].ID)
	assert.Empty(t, chats[1].Messages)

	chats, err = f.chats.ListChats(ctx, carol.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, pair.ID, chats[0].ID)
}

func TestChatService_DeleteChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")

	chat, err := f.chats.CreateChat(ctx, alice, ChatCreate{
		Type: models.ChatGroup, Name: strPtr("g"), Participants: []ParticipantCreate{{ID: bob.ID}},
	})
	require.NoError(t, err)
	_, err = f.msgs.CreateMessage(ctx, MessageCreate{ChatID: chat.ID, Type: models.MessageText, Content: "hi"}, bob.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.chats.DeleteChat(ctx, chat.ID, bob.ID), ErrForbidden)
	assert.ErrorIs(t, f.chats.DeleteChat(ctx, chat.ID, carol.ID), ErrForbidden)

	msgs, err := f.msgs.ListMessages(ctx, chat.ID, bob.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "chat still queryable after a rejected delete")

	require.NoError(t, f.chats.DeleteChat(ctx, chat.ID, alice.ID))

	var n int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("chat_id = ?", chat.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, f.db.Model(&models.ChatParticipant{}).Where("chat_id = ?", chat.ID).Count(&n).Error)
	assert.Zero(t, n)
	_, err = f.msgs.ListMessages(ctx, chat.ID, alice.ID, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	chat, err := f.chats.CreateChat(ctx, alice, ChatCreate{Type: models.ChatSelf})
	require.NoError(t, err)

	_, err = f.msgs.CreateMessage(ctx, MessageCreate{ChatID: chat.ID, Type: models.MessageText, Content: "x"}, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.msgs.CreateMessage(ctx, MessageCreate{ChatID: 999, Type: models.MessageText, Content: "x"}, alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.msgs.CreateMessage(ctx, MessageCreate{ChatID: chat.ID, Type: "sticker", Content: "x"}, alice.ID)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.msgs.CreateMessage(ctx, MessageCreate{ChatID: chat.ID, Type: models.MessageText}, alice.ID)
	assert.ErrorIs(t, err, ErrValidation, "empty content")

	for i := 0; i < 5; i++ {
		msg, err := f.msgs.CreateMessage(ctx, MessageCreate{ChatID: chat.ID, Type: models.MessageText, Content: fmt.Sprint(i)}, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, msg.AuthorID)
		assert.Equal(t, alice.ID, msg.SenderID)
		assert.NotZero(t, msg.ID)
	}

	msgs, err := f.msgs.ListMessages(ctx, chat.ID, alice.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Content)
	assert.Equal(t, "2", msgs[1].Content)

	_, err = f.msgs.ListMessages(ctx, chat.ID, bob.ID, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
