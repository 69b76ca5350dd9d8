package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lingochat/internal/db"
	"lingochat/internal/models"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB err: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createUser(t *testing.T, database *db.DB, name, lang string) *models.User {
	t.Helper()
	user, err := database.CreateUser(context.Background(), &models.User{
		Email:       name + "@example.com",
		Password:    "hash",
		DisplayName: name,
		Language:    lang,
	})
	if err != nil {
		t.Fatalf("CreateUser err: %v", err)
	}
	return user
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	database := newTestDB(t)
	createUser(t, database, "alice", "en")

	_, err := database.CreateUser(context.Background(), &models.User{
		Email: "ALICE@example.com", Password: "x", DisplayName: "Alice 2", Language: "en",
	})
	if !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	database := newTestDB(t)
	if _, err := database.GetUserByID(context.Background(), "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectChatIsCreatedOnce(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")
	b := createUser(t, database, "bob", "es")

	first, err := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}
	second, err := database.CreateChat(ctx, models.ChatDirect, "", []string{b.ID, a.ID})
	if err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one direct chat, got %s and %s", first.ID, second.ID)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("unexpected participants: %v", first.Participants)
	}

	found, err := database.FindDirectChat(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("FindDirectChat err: %v", err)
	}
	if found.ID != first.ID {
		t.Fatalf("unexpected chat: %s", found.ID)
	}
}

func TestCreateChatValidatesParticipants(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")

	if _, err := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, a.ID}); !errors.Is(err, db.ErrInvalidChat) {
		t.Fatalf("expected ErrInvalidChat, got %v", err)
	}
	if _, err := database.CreateChat(ctx, models.ChatGroup, "solo", []string{a.ID}); !errors.Is(err, db.ErrInvalidChat) {
		t.Fatalf("expected ErrInvalidChat, got %v", err)
	}
}

func TestMessagesBeforePagesBackwards(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")
	b := createUser(t, database, "bob", "es")
	chat, err := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := database.AddMessage(ctx, &models.Message{
			ChatID: chat.ID, SenderID: a.ID, Text: fmt.Sprintf("m%d", i), Language: "en",
		}); err != nil {
			t.Fatalf("AddMessage err: %v", err)
		}
	}

	newest, err := database.MessagesBefore(ctx, chat.ID, 0, 2)
	if err != nil {
		t.Fatalf("MessagesBefore err: %v", err)
	}
	if len(newest) != 2 || newest[0].Text != "m3" || newest[1].Text != "m4" {
		t.Fatalf("unexpected newest page: %+v", newest)
	}

	older, err := database.MessagesBefore(ctx, chat.ID, newest[0].Seq, 10)
	if err != nil {
		t.Fatalf("MessagesBefore err: %v", err)
	}
	if len(older) != 3 || older[0].Text != "m0" || older[2].Text != "m2" {
		t.Fatalf("unexpected older page: %+v", older)
	}

	updated, err := database.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat err: %v", err)
	}
	if updated.LastMessage == nil || updated.LastMessage.Text != "m4" {
		t.Fatalf("unexpected last message snapshot: %+v", updated.LastMessage)
	}
}

func TestAddMessageRejectsOutsider(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")
	b := createUser(t, database, "bob", "es")
	c := createUser(t, database, "carol", "it")
	chat, _ := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, b.ID})

	_, err := database.AddMessage(ctx, &models.Message{ChatID: chat.ID, SenderID: c.ID, Text: "hi", Language: "it"})
	if !errors.Is(err, db.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestSetTranslationLastWriterWins(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")
	b := createUser(t, database, "bob", "es")
	chat, _ := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, b.ID})
	msg, err := database.AddMessage(ctx, &models.Message{ChatID: chat.ID, SenderID: a.ID, Text: "hello", Language: "en"})
	if err != nil {
		t.Fatalf("AddMessage err: %v", err)
	}

	if err := database.SetTranslation(ctx, msg.ID, "es", "hola"); err != nil {
		t.Fatalf("SetTranslation err: %v", err)
	}
	if err := database.SetTranslation(ctx, msg.ID, "es", "¡hola!"); err != nil {
		t.Fatalf("SetTranslation err: %v", err)
	}

	got, err := database.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage err: %v", err)
	}
	if text, _ := got.Translation("es"); text != "¡hola!" {
		t.Fatalf("unexpected translation: %q", text)
	}
	if got.Text != "hello" || got.Language != "en" {
		t.Fatalf("origin changed: %+v", got)
	}

	if err := database.SetTranslation(ctx, "missing", "es", "x"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserChatsOrderedByRecency(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")
	b := createUser(t, database, "bob", "es")
	c := createUser(t, database, "carol", "it")

	ab, _ := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, b.ID})
	ac, _ := database.CreateChat(ctx, models.ChatDirect, "", []string{a.ID, c.ID})

	if _, err := database.AddMessage(ctx, &models.Message{ChatID: ac.ID, SenderID: a.ID, Text: "first", Language: "en"}); err != nil {
		t.Fatalf("AddMessage err: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := database.AddMessage(ctx, &models.Message{ChatID: ab.ID, SenderID: b.ID, Text: "second", Language: "es"}); err != nil {
		t.Fatalf("AddMessage err: %v", err)
	}

	chats, err := database.GetUserChats(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetUserChats err: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != ab.ID || chats[1].ID != ac.ID {
		t.Fatalf("unexpected order: %v", chats)
	}
}

func TestTypingSlotAndDeleteCascade(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	a := createUser(t, database, "alice", "en")
	b := createUser(t, database, "bob", "es")
	c := createUser(t, database, "carol", "it")

	group, err := database.CreateChat(ctx, models.ChatGroup, "trio", []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}
	group, err = database.AddParticipant(ctx, group.ID, c.ID)
	if err != nil {
		t.Fatalf("AddParticipant err: %v", err)
	}
	if len(group.Participants) != 3 {
		t.Fatalf("unexpected participants: %v", group.Participants)
	}

	langs, err := database.ParticipantLanguages(ctx, group.ID)
	if err != nil {
		t.Fatalf("ParticipantLanguages err: %v", err)
	}
	if len(langs) != 3 {
		t.Fatalf("unexpected languages: %v", langs)
	}

	withTyping, err := database.SetTyping(ctx, group.ID, &models.TypingStatus{UserID: b.ID, DisplayName: "bob", At: time.Now()})
	if err != nil {
		t.Fatalf("SetTyping err: %v", err)
	}
	if withTyping.Typing == nil || withTyping.Typing.UserID != b.ID {
		t.Fatalf("unexpected typing slot: %+v", withTyping.Typing)
	}
	cleared, err := database.SetTyping(ctx, group.ID, nil)
	if err != nil {
		t.Fatalf("SetTyping err: %v", err)
	}
	if cleared.Typing != nil {
		t.Fatalf("expected cleared slot, got %+v", cleared.Typing)
	}

	msg, _ := database.AddMessage(ctx, &models.Message{ChatID: group.ID, SenderID: a.ID, Text: "hi", Language: "en"})
	if _, err := database.DeleteChat(ctx, group.ID); err != nil {
		t.Fatalf("DeleteChat err: %v", err)
	}
	if _, err := database.GetMessage(ctx, msg.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected message to be deleted, got %v", err)
	}
}
