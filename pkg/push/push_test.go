package push

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

func TestBuildTextPayload(t *testing.T) {
	msg := &chat.Message{
		ID:         "m1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Type:       chat.TypeText,
		Content:    "hello there",
	}
	n := Build(msg, "Alice")
	if n.Title != "Alice" || n.Body != "hello there" || n.Content != "hello there" {
		t.Fatalf("text payload: %+v", n)
	}
	if n.Tag != "msg-alice" {
		t.Fatalf("tag = %q, grouping by sender broken", n.Tag)
	}
	if n.ClickAction != "/chat?uid=alice" {
		t.Fatalf("click action = %q", n.ClickAction)
	}
}

func TestBuildTruncatesLongText(t *testing.T) {
	msg := &chat.Message{Type: chat.TypeText, Content: strings.Repeat("a", 500)}
	n := Build(msg, "Alice")
	if len([]rune(n.Body)) > pushBodyMaxRunes {
		t.Fatalf("body length %d exceeds cap", len([]rune(n.Body)))
	}
	if !strings.HasSuffix(n.Body, "...") {
		t.Fatalf("truncated body missing ellipsis: %q", n.Body)
	}
}

func TestBuildMediaOmitsContent(t *testing.T) {
	msg := &chat.Message{
		ID:       "m2",
		SenderID: "alice",
		Type:     chat.TypeImage,
		Content:  "data:image/png;base64,enormous",
	}
	n := Build(msg, "Alice")
	if n.Content != "" {
		t.Fatal("media content must not ride in the push payload")
	}
	if n.Body == "" || strings.Contains(n.Body, "base64") {
		t.Fatalf("media body = %q", n.Body)
	}
}

type fakeTokens struct {
	users map[string]*chat.User
}

func (f *fakeTokens) GetUser(ctx context.Context, uid string) (*chat.User, error) {
	if u, ok := f.users[uid]; ok {
		return u, nil
	}
	return nil, chat.ErrNotFound
}

type fakePresence struct {
	members []string
}

func (f *fakePresence) PresenceMembers(ctx context.Context, channel string) ([]string, error) {
	return f.members, nil
}

type recordingSender struct {
	sent []Notification
}

func (r *recordingSender) Send(ctx context.Context, token string, n Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func TestDispatcherSkipsConnectedReceiver(t *testing.T) {
	sender := &recordingSender{}
	d := &Dispatcher{
		Tokens:   &fakeTokens{users: map[string]*chat.User{"bob": {UID: "bob", FCMToken: "tok"}}},
		Presence: &fakePresence{members: []string{"bob"}},
		Sender:   sender,
		Log:      zerolog.Nop(),
	}
	d.Notify(context.Background(), &chat.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: "hi"})
	if len(sender.sent) != 0 {
		t.Fatal("pushed to a receiver who gets the in-app toast instead")
	}
}

func TestDispatcherSkipsTokenlessReceiver(t *testing.T) {
	sender := &recordingSender{}
	d := &Dispatcher{
		Tokens:   &fakeTokens{users: map[string]*chat.User{"bob": {UID: "bob"}}},
		Presence: &fakePresence{},
		Sender:   sender,
		Log:      zerolog.Nop(),
	}
	d.Notify(context.Background(), &chat.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: "hi"})
	if len(sender.sent) != 0 {
		t.Fatal("pushed without a registered token")
	}
}

func TestDispatcherPushesOfflineReceiver(t *testing.T) {
	sender := &recordingSender{}
	d := &Dispatcher{
		Tokens: &fakeTokens{users: map[string]*chat.User{
			"bob":   {UID: "bob", FCMToken: "tok"},
			"alice": {UID: "alice", Username: "alice"},
		}},
		Presence: &fakePresence{members: []string{"alice"}},
		Sender:   sender,
		Log:      zerolog.Nop(),
	}
	d.Notify(context.Background(), &chat.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Type: chat.TypeText, Content: "hi"})
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d pushes, want 1", len(sender.sent))
	}
	if sender.sent[0].Title != "alice" {
		t.Fatalf("title = %q, want sender display name", sender.sent[0].Title)
	}
}
