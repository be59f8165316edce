package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/bus"
	"github.com/zoubayerBS/messagis/pkg/cache"
	"github.com/zoubayerBS/messagis/pkg/chat"
	"github.com/zoubayerBS/messagis/pkg/store"
)

type testEnv struct {
	store *store.Store
	hub   *bus.Hub
	alice *Engine
	bob   *Engine
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Hour, // tests drive resync explicitly
		DedupWindow:    10 * time.Second,
		TypingTimeout:  300 * time.Millisecond,
		RevealDuration: 300 * time.Millisecond,
		ToastDuration:  300 * time.Millisecond,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := zerolog.Nop()

	st, err := store.New(filepath.Join(dir, "server.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, user := range []*chat.User{
		{UID: "alice", Username: "alice"},
		{UID: "bob", Username: "bob", Email: "bob@example.com"},
	} {
		if err = st.UpsertUser(ctx, user); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	hub := bus.NewHub()
	t.Cleanup(func() { hub.Close() })

	env := &testEnv{store: st, hub: hub}
	env.alice = newEngine(t, "alice", st, hub, dir)
	env.bob = newEngine(t, "bob", st, hub, dir)
	return env
}

func newEngine(t *testing.T, userID string, st Store, hub *bus.Hub, dir string) *Engine {
	t.Helper()
	c, err := cache.New(filepath.Join(dir, fmt.Sprintf("cache-%s.db", userID)), zerolog.Nop())
	if err != nil {
		t.Fatalf("open cache for %s: %v", userID, err)
	}
	t.Cleanup(func() { c.Close() })
	return New(userID, st, c, hub, nil, testConfig(), zerolog.Nop())
}

func startEngines(t *testing.T, engines ...*Engine) {
	t.Helper()
	for _, e := range engines {
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("start engine %s: %v", e.userID, err)
		}
		t.Cleanup(e.Stop)
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func thread(t *testing.T, e *Engine, partner string) []*cache.Row {
	t.Helper()
	rows, err := e.cache.ListMessages(context.Background(), e.userID, partner)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return rows
}

func TestSendResolvesOptimisticRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.alice.SendText(ctx, "bob", "hello bob", false)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if chat.IsTempID(msg.ID) {
		t.Fatalf("returned message kept temp id %q", msg.ID)
	}

	rows := thread(t, env.alice, "bob")
	if len(rows) != 1 {
		t.Fatalf("sender cache has %d rows, want 1", len(rows))
	}
	if rows[0].ID != msg.ID || rows[0].Status != cache.StatusConfirmed {
		t.Fatalf("optimistic row not resolved: %+v", rows[0])
	}

	stored, err := env.store.GetMessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("server row missing: %v", err)
	}
	if stored.Content != "hello bob" {
		t.Fatalf("server content = %q", stored.Content)
	}
}

type failingCreateStore struct {
	Store
	fail bool
}

func (f *failingCreateStore) CreateMessage(ctx context.Context, draft store.Draft) (*chat.Message, error) {
	if f.fail {
		return nil, &chat.PersistenceError{Op: "create message", Err: errors.New("server unreachable")}
	}
	return f.Store.CreateMessage(ctx, draft)
}

func TestSendFailureKeepsFailedRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	failing := &failingCreateStore{Store: env.store, fail: true}
	env.alice.store = failing

	if _, err := env.alice.SendText(ctx, "bob", "will not commit", false); err == nil {
		t.Fatal("send succeeded against a failing store")
	}
	rows := thread(t, env.alice, "bob")
	if len(rows) != 1 {
		t.Fatalf("failed send left %d rows, want the flagged one", len(rows))
	}
	if rows[0].Status != cache.StatusFailed {
		t.Fatalf("status = %q, want failed", rows[0].Status)
	}
	if !chat.IsTempID(rows[0].ID) {
		t.Fatalf("failed row lost its temp id: %q", rows[0].ID)
	}

	failed, err := env.alice.FailedMessages(ctx, "bob")
	if err != nil || len(failed) != 1 {
		t.Fatalf("FailedMessages = %d rows, err %v", len(failed), err)
	}
}

func TestReceiverGetsMessageOverBus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	startEngines(t, env.bob)

	if _, err := env.alice.SendText(ctx, "bob", "over the wire", false); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitCond(t, "bob to receive the message", func() bool {
		return len(thread(t, env.bob, "alice")) == 1
	})
	rows := thread(t, env.bob, "alice")
	if rows[0].Content != "over the wire" {
		t.Fatalf("content = %q", rows[0].Content)
	}

	summary, err := env.bob.cache.GetSummary(ctx, "alice")
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if summary.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", summary.UnreadCount)
	}
	if summary.PartnerUsername != "alice" {
		t.Fatalf("partner display = %q", summary.PartnerUsername)
	}
}

func TestReconcileEventIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.alice.SendText(ctx, "bob", "once only", false)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	event := &chat.MessageEvent{Message: *msg, SenderUsername: "alice"}

	for i := 0; i < 3; i++ {
		if err = env.bob.ReconcileEvent(ctx, event); err != nil {
			t.Fatalf("reconcile %d failed: %v", i, err)
		}
	}
	rows := thread(t, env.bob, "alice")
	if len(rows) != 1 {
		t.Fatalf("triple delivery left %d rows", len(rows))
	}
	summary, err := env.bob.cache.GetSummary(ctx, "alice")
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if summary.UnreadCount != 1 {
		t.Fatalf("redelivery inflated unread to %d", summary.UnreadCount)
	}
}

func TestOwnEchoResolvesPendingRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A second device of alice's account commits the message; this
	// device still holds a matching pending row (its own create raced).
	optimistic := &chat.Message{
		ID:         chat.NewTempID(),
		SenderID:   "alice",
		ReceiverID: "bob",
		Type:       chat.TypeText,
		Content:    "raced send",
		Timestamp:  time.Now().UTC(),
	}
	if err := env.alice.cache.InsertOptimistic(ctx, optimistic); err != nil {
		t.Fatalf("insert optimistic: %v", err)
	}
	committed, err := env.store.CreateMessage(ctx, store.Draft{
		SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: "raced send",
	})
	if err != nil {
		t.Fatalf("server create: %v", err)
	}

	if err = env.alice.ReconcileEvent(ctx, &chat.MessageEvent{Message: *committed}); err != nil {
		t.Fatalf("reconcile echo: %v", err)
	}
	rows := thread(t, env.alice, "bob")
	if len(rows) != 1 {
		t.Fatalf("echo left %d rows, want the resolved one", len(rows))
	}
	if rows[0].ID != committed.ID || rows[0].Status != cache.StatusConfirmed {
		t.Fatalf("pending row not resolved: %+v", rows[0])
	}
}

func TestOwnEchoIgnoresStalePendingRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := &chat.Message{
		ID:         chat.NewTempID(),
		SenderID:   "alice",
		ReceiverID: "bob",
		Type:       chat.TypeText,
		Content:    "same words",
		Timestamp:  time.Now().Add(-time.Minute).UTC(),
	}
	if err := env.alice.cache.InsertOptimistic(ctx, stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}
	committed, err := env.store.CreateMessage(ctx, store.Draft{
		SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: "same words",
	})
	if err != nil {
		t.Fatalf("server create: %v", err)
	}

	if err = env.alice.ReconcileEvent(ctx, &chat.MessageEvent{Message: *committed}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// The stale pending row is outside the dedup window: it must not be
	// consumed by an unrelated echo.
	rows := thread(t, env.alice, "bob")
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want stale pending + new confirmed", len(rows))
	}
}

func TestMediaEventHydratesViaPull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	startEngines(t, env.bob)

	pngURI := "data:image/png;base64,iVBORw0KGgoAAAANSUhEUg"
	if _, err := env.alice.SendMedia(ctx, "bob", chat.TypeImage, pngURI); err != nil {
		t.Fatalf("send media failed: %v", err)
	}

	waitCond(t, "bob to hydrate the image", func() bool {
		rows := thread(t, env.bob, "alice")
		return len(rows) == 1 && rows[0].Content == pngURI
	})
}

type failingGetStore struct {
	Store
	failGet bool
}

func (f *failingGetStore) GetMessageByID(ctx context.Context, id string) (*chat.Message, error) {
	if f.failGet {
		return nil, &chat.PersistenceError{Op: "get message", Err: errors.New("pull failed")}
	}
	return f.Store.GetMessageByID(ctx, id)
}

func TestFailedHydrationSkipsEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	failing := &failingGetStore{Store: env.store, failGet: true}
	env.bob.store = failing

	committed, err := env.store.CreateMessage(ctx, store.Draft{
		SenderID: "alice", ReceiverID: "bob", Type: chat.TypeImage,
		Content: "data:image/png;base64,iVBORw0KGgoAAAANSUhEUg",
	})
	if err != nil {
		t.Fatalf("server create: %v", err)
	}
	event := &chat.MessageEvent{Message: *committed, FetchFullContent: true}
	event.Content = ""

	err = env.bob.ReconcileEvent(ctx, event)
	var pullErr *chat.PullError
	if !errors.As(err, &pullErr) {
		t.Fatalf("got %v, want a pull error", err)
	}
	// Nothing cached: a husk with empty content would be worse than
	// waiting for the poll to retry.
	if rows := thread(t, env.bob, "alice"); len(rows) != 0 {
		t.Fatalf("failed hydration cached %d rows", len(rows))
	}

	// The fallback pull converges once the store recovers.
	failing.failGet = false
	if err = env.bob.SyncMessages(ctx, "alice"); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	rows := thread(t, env.bob, "alice")
	if len(rows) != 1 || rows[0].Content == "" {
		t.Fatalf("poll did not recover the message: %d rows", len(rows))
	}
}

func TestOutageThenReconnectConverges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	startEngines(t, env.bob)

	env.hub.SetDropPublishes(true)
	if _, err := env.alice.SendText(ctx, "bob", "silently dropped", false); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if rows := thread(t, env.bob, "alice"); len(rows) != 0 {
		t.Fatal("delivery happened during outage")
	}

	// Reconnect triggers the fallback resync, which pulls the chat list
	// from the server of record.
	env.hub.SetDropPublishes(false)
	env.hub.SimulateReconnect()
	waitCond(t, "bob's chat list to converge after reconnect", func() bool {
		summary, err := env.bob.cache.GetSummary(ctx, "alice")
		return err == nil && summary.UnreadCount == 1
	})

	// Opening the thread pulls the message history itself.
	if err := env.bob.OpenConversation(ctx, "alice"); err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	if rows := thread(t, env.bob, "alice"); len(rows) != 1 {
		t.Fatalf("thread has %d rows after open", len(rows))
	}
}

func TestToastSuppression(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	toasts := make(chan *Toast, 4)
	env.bob.SetToastHandler(func(toast *Toast) {
		if toast != nil {
			toasts <- toast
		}
	})

	send := func(content string) *chat.MessageEvent {
		msg, err := env.store.CreateMessage(ctx, store.Draft{
			SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: content,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return &chat.MessageEvent{Message: *msg, SenderUsername: "alice"}
	}

	// Thread closed: toast fires.
	if err := env.bob.ReconcileEvent(ctx, send("toast me")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	select {
	case toast := <-toasts:
		if toast.Title != "alice" || toast.Body != "toast me" {
			t.Fatalf("toast = %+v", toast)
		}
	case <-time.After(time.Second):
		t.Fatal("no toast for a closed thread")
	}

	// Open thread: suppressed.
	if err := env.bob.OpenConversation(ctx, "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := env.bob.ReconcileEvent(ctx, send("no toast")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	select {
	case toast := <-toasts:
		t.Fatalf("toast for the open thread: %+v", toast)
	case <-time.After(100 * time.Millisecond):
	}

	// Own sends never toast.
	env.bob.CloseConversation()
	own, err := env.store.CreateMessage(ctx, store.Draft{
		SenderID: "bob", ReceiverID: "alice", Type: chat.TypeText, Content: "self",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err = env.bob.ReconcileEvent(ctx, &chat.MessageEvent{Message: *own}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	select {
	case toast := <-toasts:
		t.Fatalf("toast for own message: %+v", toast)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestToastAutoDismiss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.store.CreateMessage(ctx, store.Draft{
		SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: "fleeting",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err = env.bob.ReconcileEvent(ctx, &chat.MessageEvent{Message: *msg}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if env.bob.ActiveToast() == nil {
		t.Fatal("toast not shown")
	}
	waitCond(t, "toast to auto-dismiss", func() bool {
		return env.bob.ActiveToast() == nil
	})
}
