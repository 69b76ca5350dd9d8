package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"lingochat/internal/db"
	"lingochat/internal/docstore"
	"lingochat/internal/eventloop"
	"lingochat/internal/i18n"
	"lingochat/internal/models"
	"lingochat/internal/session"
	"lingochat/internal/translate"
	"lingochat/internal/websocket"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	dict  map[string]string
}

func (p *fakeProvider) Translate(_ context.Context, text, target, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if out, ok := p.dict[target+":"+text]; ok {
		return out, nil
	}
	return "[" + target + "] " + text, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recorder struct {
	ops []session.Op
}

func (r *recorder) Render(op session.Op) { r.ops = append(r.ops, op) }

func (r *recorder) of(kind session.OpType) []session.Op {
	var out []session.Op
	for _, op := range r.ops {
		if op.Type == kind {
			out = append(out, op)
		}
	}
	return out
}

type env struct {
	db       *db.DB
	hub      *websocket.Hub
	store    *docstore.Store
	loop     *eventloop.Manual
	mock     *clock.Mock
	provider *fakeProvider
}

func newEnv(t *testing.T) *env {
	t.Helper()
	database, err := db.NewDB(":memory:")
	if err != nil {
		t.Fatalf("NewDB err: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	hub := websocket.NewHub()
	return &env{
		db:       database,
		hub:      hub,
		store:    docstore.New(database, hub),
		loop:     eventloop.NewManual(),
		mock:     clock.NewMock(),
		provider: &fakeProvider{dict: map[string]string{"es:hello": "hola"}},
	}
}

func (e *env) user(t *testing.T, name, lang string) models.User {
	t.Helper()
	u, err := e.db.CreateUser(context.Background(), &models.User{
		Email: name + "@example.com", Password: "x", DisplayName: name, Language: lang,
	})
	if err != nil {
		t.Fatalf("CreateUser err: %v", err)
	}
	return *u
}

func (e *env) chat(t *testing.T, kind models.ChatKind, name string, users ...models.User) *models.Chat {
	t.Helper()
	var ids []string
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	c, err := e.store.CreateChat(context.Background(), kind, name, ids)
	if err != nil {
		t.Fatalf("CreateChat err: %v", err)
	}
	return c
}

func (e *env) send(t *testing.T, chatID string, from models.User, text string) *models.Message {
	t.Helper()
	m, err := e.store.AddMessage(context.Background(), &models.Message{
		ChatID: chatID, SenderID: from.ID, Text: text, Language: from.Language,
	})
	if err != nil {
		t.Fatalf("AddMessage err: %v", err)
	}
	return m
}

func (e *env) session(t *testing.T, u models.User) (*session.Session, *recorder) {
	t.Helper()
	inline := translate.WithPersist(func(task func()) { task() })
	overlay := translate.NewOverlay(e.provider, nil, e.store, inline)
	fanout := translate.NewFanOut(e.provider, nil, e.store, 2)
	rec := &recorder{}
	s := session.New(e.store, overlay, fanout, e.loop, rec, session.Options{Clock: e.mock})
	s.Start(u)
	e.loop.Flush()
	t.Cleanup(s.Close)
	return s, rec
}

func texts(ops []session.Op) []string {
	var out []string
	for _, op := range ops {
		for _, m := range op.Messages {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestOpenRendersPageThenTail(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)
	for i := 1; i <= 25; i++ {
		e.send(t, c.ID, ana, fmt.Sprintf("m%d", i))
	}

	s, rec := e.session(t, bob)
	s.Open(c.ID)
	if s.State() != session.Opening {
		t.Fatalf("expected opening, got %s", s.State())
	}
	e.loop.Flush()
	if s.State() != session.Open {
		t.Fatalf("expected open, got %s", s.State())
	}

	resets := rec.of(session.OpReset)
	if len(resets) != 1 || len(resets[0].Messages) != 20 || resets[0].Exhausted {
		t.Fatalf("unexpected reset ops: %+v", resets)
	}
	if got := resets[0].Messages[19].Text; got != "m25" {
		t.Fatalf("newest message %q, want m25", got)
	}
	if n := e.hub.Subscribers(websocket.ChatTopic(c.ID)); n != 1 {
		t.Fatalf("expected one chat watch, got %d", n)
	}
	if len(rec.of(session.OpAppend)) != 0 {
		t.Fatal("tail re-rendered a paged message")
	}

	e.send(t, c.ID, ana, "live")
	e.loop.Flush()
	appends := rec.of(session.OpAppend)
	if len(appends) != 1 || appends[0].Messages[0].Text != "live" {
		t.Fatalf("unexpected appends: %+v", appends)
	}
}

func TestMessageDuringInitialLoadRendersOnce(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)
	e.send(t, c.ID, ana, "first")

	s, rec := e.session(t, bob)
	s.Open(c.ID)
	// Arrives after the open was issued but before the page fetch ran.
	e.send(t, c.ID, ana, "second")
	e.loop.Flush()
	e.send(t, c.ID, ana, "third")
	e.loop.Flush()

	seen := map[string]int{}
	var order []string
	for _, op := range rec.ops {
		if op.Type != session.OpReset && op.Type != session.OpAppend {
			continue
		}
		for _, m := range op.Messages {
			seen[m.ID]++
			order = append(order, m.Text)
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %s rendered %d times", id, n)
		}
	}
	if fmt.Sprint(order) != "[first second third]" {
		t.Fatalf("unexpected render order: %v", order)
	}
}

func TestSwitchTearsDownBeforeSetup(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "cy", "en")
	c1 := e.chat(t, models.ChatDirect, "", ana, bob)
	c2 := e.chat(t, models.ChatDirect, "", bob, cy)

	s, rec := e.session(t, bob)
	s.Open(c1.ID)
	e.loop.Flush()
	if e.hub.Subscribers(websocket.ChatTopic(c1.ID)) != 1 {
		t.Fatal("first chat not watched")
	}

	s.Open(c2.ID)
	if n := e.hub.Subscribers(websocket.ChatTopic(c1.ID)); n != 0 {
		t.Fatalf("previous tail still active: %d", n)
	}
	e.loop.Flush()
	if e.hub.Subscribers(websocket.ChatTopic(c1.ID)) != 0 || e.hub.Subscribers(websocket.ChatTopic(c2.ID)) != 1 {
		t.Fatal("expected exactly one tail on the new chat")
	}

	before := len(rec.of(session.OpAppend))
	e.send(t, c1.ID, ana, "ghost")
	e.loop.Flush()
	if len(rec.of(session.OpAppend)) != before {
		t.Fatal("message from the previous chat leaked into the open chat")
	}
}

func TestStaleOpenIsDiscarded(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "cy", "en")
	c1 := e.chat(t, models.ChatDirect, "", ana, bob)
	c2 := e.chat(t, models.ChatDirect, "", bob, cy)
	e.send(t, c1.ID, ana, "in c1")
	e.send(t, c2.ID, cy, "in c2")

	s, rec := e.session(t, bob)
	s.Open(c1.ID)
	s.Open(c2.ID)
	e.loop.Flush()

	resets := rec.of(session.OpReset)
	if len(resets) != 1 || resets[0].ChatID != c2.ID {
		t.Fatalf("stale page rendered: %+v", resets)
	}
	if e.hub.Subscribers(websocket.ChatTopic(c1.ID)) != 0 {
		t.Fatal("stale open armed a tail")
	}
	if s.ChatID() != c2.ID || s.State() != session.Open {
		t.Fatalf("unexpected session: %s %s", s.ChatID(), s.State())
	}
}

func TestLoadOlderResultDroppedAfterSwitch(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "cy", "en")
	c1 := e.chat(t, models.ChatDirect, "", ana, bob)
	c2 := e.chat(t, models.ChatDirect, "", bob, cy)
	for i := 1; i <= 45; i++ {
		e.send(t, c1.ID, ana, fmt.Sprintf("a%d", i))
	}
	for i := 1; i <= 25; i++ {
		e.send(t, c2.ID, cy, fmt.Sprintf("b%d", i))
	}

	s, rec := e.session(t, bob)
	s.Open(c1.ID)
	e.loop.Flush()

	s.LoadOlder()
	if e.loop.PendingTasks() != 1 {
		t.Fatal("expected an in-flight fetch")
	}
	s.Open(c2.ID)
	e.loop.Flush()

	if n := len(rec.of(session.OpPrepend)); n != 0 {
		t.Fatalf("stale page rendered after switch: %d prepends", n)
	}

	s.LoadOlder()
	e.loop.Flush()
	prepends := rec.of(session.OpPrepend)
	if len(prepends) != 1 || prepends[0].ChatID != c2.ID {
		t.Fatalf("unexpected prepends: %+v", prepends)
	}
	got := texts(prepends)
	if len(got) != 5 || got[0] != "b1" || got[4] != "b5" || !prepends[0].Exhausted {
		t.Fatalf("unexpected page for second chat: %v exhausted=%v", got, prepends[0].Exhausted)
	}
}

func TestOutsiderCannotOpenChat(t *testing.T) {
	e := newEnv(t)
	ana, bob, eve := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "eve", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)
	e.send(t, c.ID, ana, "secret")

	s, rec := e.session(t, eve)
	s.Open(c.ID)
	e.loop.Flush()

	if len(rec.of(session.OpReset)) != 0 {
		t.Fatalf("outsider received history: %v", texts(rec.of(session.OpReset)))
	}
	errs := rec.of(session.OpError)
	if len(errs) != 1 || errs[0].Code != i18n.CodeForbidden || errs[0].Target != session.TargetMessages {
		t.Fatalf("unexpected error ops: %+v", errs)
	}
	if e.hub.Subscribers(websocket.ChatTopic(c.ID)) != 0 {
		t.Fatal("outsider armed a tail")
	}
	if s.State() != session.Closed {
		t.Fatalf("expected closed, got %s", s.State())
	}
}

func TestAddMemberRequiresMembership(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy, eve := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "cy", "en"), e.user(t, "eve", "en")
	g := e.chat(t, models.ChatGroup, "Trip", ana, bob)

	outsider, rec := e.session(t, eve)
	outsider.AddMember(g.ID, eve.ID)
	e.loop.Flush()

	notices := rec.of(session.OpNotice)
	if len(notices) != 1 || notices[0].Code != i18n.CodeForbidden {
		t.Fatalf("unexpected notices: %+v", notices)
	}
	chat, err := e.store.GetChat(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("GetChat err: %v", err)
	}
	if chat.HasParticipant(eve.ID) {
		t.Fatal("outsider added themselves to the group")
	}

	member, _ := e.session(t, ana)
	member.AddMember(g.ID, cy.ID)
	e.loop.Flush()
	if chat, err = e.store.GetChat(context.Background(), g.ID); err != nil {
		t.Fatalf("GetChat err: %v", err)
	}
	if !chat.HasParticipant(cy.ID) {
		t.Fatal("member could not add a participant")
	}
}

func TestLoadOlderPaginatesToExhaustion(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)
	for i := 1; i <= 45; i++ {
		e.send(t, c.ID, ana, fmt.Sprintf("m%d", i))
	}

	s, rec := e.session(t, bob)
	s.Open(c.ID)
	e.loop.Flush()

	s.LoadOlder()
	s.LoadOlder()
	if n := e.loop.PendingTasks(); n != 1 {
		t.Fatalf("expected a single in-flight fetch, got %d", n)
	}
	e.loop.Flush()

	s.LoadOlder()
	e.loop.Flush()
	s.LoadOlder()
	if e.loop.PendingTasks() != 0 {
		t.Fatal("load after exhaustion started a fetch")
	}

	prepends := rec.of(session.OpPrepend)
	if len(prepends) != 2 {
		t.Fatalf("expected 2 prepends, got %d", len(prepends))
	}
	if len(prepends[0].Messages) != 20 || prepends[0].Exhausted {
		t.Fatalf("unexpected first page: %d exhausted=%v", len(prepends[0].Messages), prepends[0].Exhausted)
	}
	if len(prepends[1].Messages) != 5 || !prepends[1].Exhausted {
		t.Fatalf("unexpected last page: %d exhausted=%v", len(prepends[1].Messages), prepends[1].Exhausted)
	}
	if prepends[0].Messages[0].Text != "m6" || prepends[1].Messages[4].Text != "m5" {
		t.Fatalf("pages out of order: %v", texts(prepends))
	}
	if prepends[1].ScrollTop <= prepends[0].ScrollTop {
		t.Fatalf("scroll offset not adjusted: %.1f then %.1f", prepends[0].ScrollTop, prepends[1].ScrollTop)
	}
}

func TestScrollNearTopTriggersBackfill(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)
	for i := 1; i <= 30; i++ {
		e.send(t, c.ID, ana, fmt.Sprintf("m%d", i))
	}

	s, rec := e.session(t, bob)
	s.Open(c.ID)
	e.loop.Flush()

	s.Scroll(5000, 400)
	e.loop.Flush()
	if len(rec.of(session.OpPrepend)) != 0 {
		t.Fatal("backfill triggered away from the top")
	}
	s.Scroll(10, 400)
	e.loop.Flush()
	if len(rec.of(session.OpPrepend)) != 1 {
		t.Fatal("backfill not triggered near the top")
	}
}

func TestTranslationScenario(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "es")
	c := e.chat(t, models.ChatDirect, "", ana, bob)

	sa, recA := e.session(t, ana)
	sa.Open(c.ID)
	e.loop.Flush()
	sa.Send("hello")
	e.loop.Flush()

	if got := texts(recA.of(session.OpAppend)); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sender sees %v", got)
	}
	if e.provider.count() != 1 {
		t.Fatalf("expected one fan-out call, got %d", e.provider.count())
	}

	sb, recB := e.session(t, bob)
	sb.Open(c.ID)
	e.loop.Flush()
	resets := recB.of(session.OpReset)
	if len(resets) != 1 || len(resets[0].Messages) != 1 {
		t.Fatalf("unexpected reset: %+v", resets)
	}
	m := resets[0].Messages[0]
	if m.Text != "hola" || !m.Translated || m.Origin != "hello" {
		t.Fatalf("reader sees %+v", m)
	}
	if e.provider.count() != 1 {
		t.Fatalf("stored translation requested again: %d calls", e.provider.count())
	}

	sa.CloseChat()
	sa.Open(c.ID)
	e.loop.Flush()
	resets = recA.of(session.OpReset)
	if got := resets[len(resets)-1].Messages[0].Text; got != "hello" {
		t.Fatalf("sender sees own message as %q", got)
	}
}

func TestGroupSendTranslatesOtherLanguages(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy := e.user(t, "ana", "en"), e.user(t, "bob", "es"), e.user(t, "cy", "it")
	g := e.chat(t, models.ChatGroup, "Trip", ana, bob, cy)

	s, _ := e.session(t, ana)
	s.Open(g.ID)
	e.loop.Flush()
	s.Send("hello")
	e.loop.Flush()

	if e.provider.count() != 2 {
		t.Fatalf("expected exactly two translation calls, got %d", e.provider.count())
	}
	msg, err := e.db.LatestMessage(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("LatestMessage err: %v", err)
	}
	if _, ok := msg.Translations["en"]; ok || len(msg.Translations) != 2 {
		t.Fatalf("unexpected translations: %+v", msg.Translations)
	}
}

// settle advances the mock clock and drains the loop until cond holds. Mock timers
// fire on their own goroutines.
func settle(t *testing.T, e *env, d time.Duration, cond func() bool) {
	t.Helper()
	e.mock.Add(d)
	deadline := time.Now().Add(time.Second)
	for {
		e.loop.Flush()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func lastTyping(rec *recorder) (session.Op, bool) {
	ops := rec.of(session.OpTyping)
	if len(ops) == 0 {
		return session.Op{}, false
	}
	return ops[len(ops)-1], true
}

func TestTypingIndicator(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "cy", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)
	other := e.chat(t, models.ChatDirect, "", bob, cy)

	sa, recA := e.session(t, ana)
	sb, recB := e.session(t, bob)
	sa.Open(c.ID)
	sb.Open(c.ID)
	e.loop.Flush()

	sa.Typing()
	e.loop.Flush()
	op, ok := lastTyping(recB)
	if !ok || !op.Visible || op.Text != "ana is typing" {
		t.Fatalf("unexpected typing op: %+v", op)
	}
	if _, ok := lastTyping(recA); ok {
		t.Fatal("own typing shown to self")
	}

	settle(t, e, 3100*time.Millisecond, func() bool {
		op, _ := lastTyping(recB)
		return !op.Visible
	})

	// Switching chats clears the indicator before anything else happens.
	sa.Typing()
	e.loop.Flush()
	if op, _ := lastTyping(recB); !op.Visible {
		t.Fatal("indicator not shown again")
	}
	sb.Open(other.ID)
	if op, _ := lastTyping(recB); op.Visible {
		t.Fatal("indicator bled across chat switch")
	}
}

func TestRosterResolvesNamesAndTracksRecency(t *testing.T) {
	e := newEnv(t)
	ana, bob, cy := e.user(t, "ana", "en"), e.user(t, "bob", "en"), e.user(t, "cy", "en")
	c1 := e.chat(t, models.ChatDirect, "", ana, bob)
	c2 := e.chat(t, models.ChatDirect, "", bob, cy)
	e.send(t, c1.ID, ana, "older")
	e.send(t, c2.ID, cy, "newer")

	_, rec := e.session(t, bob)
	ops := rec.of(session.OpRoster)
	if len(ops) == 0 || len(ops[0].Roster) != 2 {
		t.Fatalf("expected initial inserts, got %+v", ops)
	}
	for _, op := range ops[0].Roster {
		if op.Row.ChatID == c2.ID && op.Index != 0 {
			t.Fatalf("most recent chat not first: %+v", ops[0].Roster)
		}
	}

	names := map[string]string{}
	for _, op := range ops {
		for _, r := range op.Roster {
			names[r.Row.ChatID] = r.Row.Name
		}
	}
	if names[c1.ID] != "ana" || names[c2.ID] != "cy" {
		t.Fatalf("names not resolved: %v", names)
	}

	before := len(rec.of(session.OpRoster))
	e.send(t, c1.ID, ana, "bump")
	e.loop.Flush()
	after := rec.of(session.OpRoster)
	if len(after) != before+1 {
		t.Fatalf("expected one roster update, got %d", len(after)-before)
	}
	move := after[len(after)-1].Roster
	if len(move) != 1 || move[0].Row.ChatID != c1.ID || move[0].Index != 0 {
		t.Fatalf("expected c1 moved to top, got %+v", move)
	}
}

func TestDeletedChatClosesAndNotifies(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)

	s, rec := e.session(t, bob)
	s.Open(c.ID)
	e.loop.Flush()

	if err := e.store.DeleteChat(context.Background(), c.ID); err != nil {
		t.Fatalf("DeleteChat err: %v", err)
	}
	e.loop.Flush()

	if s.State() != session.Closed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	notices := rec.of(session.OpNotice)
	if len(notices) != 1 || notices[0].Code != i18n.CodeChatNotFound {
		t.Fatalf("unexpected notices: %+v", notices)
	}
	if e.hub.Subscribers(websocket.ChatTopic(c.ID)) != 0 {
		t.Fatal("tail left open on deleted chat")
	}
}

func TestOpenMissingChatShowsError(t *testing.T) {
	e := newEnv(t)
	bob := e.user(t, "bob", "en")
	s, rec := e.session(t, bob)
	s.Open("nope")
	e.loop.Flush()

	errs := rec.of(session.OpError)
	if len(errs) != 1 || errs[0].Code != i18n.CodeChatNotFound || errs[0].Target != session.TargetMessages {
		t.Fatalf("unexpected error ops: %+v", errs)
	}
	if s.State() != session.Closed {
		t.Fatalf("expected closed, got %s", s.State())
	}
}

func TestStartDirectReusesExistingChat(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)

	s, _ := e.session(t, bob)
	s.StartDirect(ana.ID)
	e.loop.Flush()
	if s.ChatID() != c.ID || s.State() != session.Open {
		t.Fatalf("expected existing chat open, got %q %s", s.ChatID(), s.State())
	}
}

func TestLogoutReleasesSubscriptions(t *testing.T) {
	e := newEnv(t)
	ana, bob := e.user(t, "ana", "en"), e.user(t, "bob", "en")
	c := e.chat(t, models.ChatDirect, "", ana, bob)

	s, rec := e.session(t, bob)
	s.Open(c.ID)
	e.loop.Flush()
	s.Dispatch(session.IntentLogout, nil)

	if e.hub.Subscribers(websocket.ChatTopic(c.ID)) != 0 || e.hub.Subscribers(websocket.RosterTopic(bob.ID)) != 0 {
		t.Fatal("subscriptions survived logout")
	}
	if len(rec.of(session.OpSignedOut)) != 1 || s.User() != nil {
		t.Fatal("session not reset")
	}
}

func TestDispatchRejectsUnknownIntent(t *testing.T) {
	e := newEnv(t)
	s, rec := e.session(t, e.user(t, "bob", "es"))
	s.Dispatch("fly", nil)
	s.Dispatch(session.IntentSend, []byte("{"))

	notices := rec.of(session.OpNotice)
	if len(notices) != 2 || notices[0].Code != i18n.CodeInvalidRequest {
		t.Fatalf("unexpected notices: %+v", notices)
	}
	if notices[0].Text != i18n.Message("es", i18n.CodeInvalidRequest) {
		t.Fatalf("notice not localized: %q", notices[0].Text)
	}
}
