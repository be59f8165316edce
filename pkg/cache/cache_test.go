package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "cache.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func confirmed(id, sender, receiver, content string) *chat.Message {
	return &chat.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Type:       chat.TypeText,
		Timestamp:  time.Now().UTC(),
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	msg := confirmed("m1", "alice", "bob", "hello")

	for i := 0; i < 3; i++ {
		if err := c.UpsertMessage(ctx, msg); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}
	rows, err := c.ListMessages(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("triple upsert left %d rows, want 1", len(rows))
	}
	if rows[0].Status != StatusConfirmed {
		t.Fatalf("status = %q", rows[0].Status)
	}
}

func TestUpsertAppliesServerWrites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	msg := confirmed("m1", "alice", "bob", "original")
	if err := c.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	msg.Content = "edited"
	msg.Edited = true
	msg.Read = true
	msg.Reactions = []chat.Reaction{{UserID: "bob", Emoji: "👍"}}
	if err := c.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	row, err := c.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.Content != "edited" || !row.Edited || !row.Read || len(row.Reactions) != 1 {
		t.Fatalf("server write not applied: %+v", row)
	}
}

func TestOptimisticLifecycle(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	temp := confirmed(chat.NewTempID(), "alice", "bob", "on its way")
	if err := c.InsertOptimistic(ctx, temp); err != nil {
		t.Fatalf("optimistic insert failed: %v", err)
	}
	row, err := c.GetMessage(ctx, temp.ID)
	if err != nil {
		t.Fatalf("pending row missing: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("status = %q, want pending", row.Status)
	}

	server := confirmed("server-id-1", "alice", "bob", "on its way")
	if err = c.ReplaceOptimistic(ctx, temp.ID, server); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if _, err = c.GetMessage(ctx, temp.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("temp row still present: %v", err)
	}
	row, err = c.GetMessage(ctx, server.ID)
	if err != nil {
		t.Fatalf("confirmed row missing: %v", err)
	}
	if row.Status != StatusConfirmed {
		t.Fatalf("status = %q, want confirmed", row.Status)
	}

	rows, err := c.ListMessages(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("replace left %d rows, want exactly 1", len(rows))
	}
}

func TestInsertOptimisticRejectsServerIDs(t *testing.T) {
	c := newTestCache(t)
	if err := c.InsertOptimistic(context.Background(), confirmed("not-temp", "alice", "bob", "x")); err == nil {
		t.Fatal("optimistic insert accepted a non-temp id")
	}
}

func TestMarkFailedKeepsRow(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	temp := confirmed(chat.NewTempID(), "alice", "bob", "doomed")
	if err := c.InsertOptimistic(ctx, temp); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := c.MarkFailed(ctx, temp.ID); err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}
	row, err := c.GetMessage(ctx, temp.ID)
	if err != nil {
		t.Fatalf("failed row must stay visible: %v", err)
	}
	if row.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", row.Status)
	}
}

func TestFindRecentOptimisticWindow(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	old := confirmed(chat.NewTempID(), "alice", "bob", "same words")
	old.Timestamp = time.Now().Add(-time.Minute)
	if err := c.InsertOptimistic(ctx, old); err != nil {
		t.Fatalf("insert old failed: %v", err)
	}

	// The stale pending row is outside the window: no match.
	if _, err := c.FindRecentOptimistic(ctx, "alice", "bob", "same words", 10*time.Second); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("stale row matched: %v", err)
	}

	fresh := confirmed(chat.NewTempID(), "alice", "bob", "same words")
	if err := c.InsertOptimistic(ctx, fresh); err != nil {
		t.Fatalf("insert fresh failed: %v", err)
	}
	id, err := c.FindRecentOptimistic(ctx, "alice", "bob", "same words", 10*time.Second)
	if err != nil {
		t.Fatalf("fresh row not matched: %v", err)
	}
	if id != fresh.ID {
		t.Fatalf("matched %q, want %q", id, fresh.ID)
	}

	// Different content never matches.
	if _, err = c.FindRecentOptimistic(ctx, "alice", "bob", "other words", 10*time.Second); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("content mismatch matched: %v", err)
	}
}

func TestFindRecentOptimisticMatchesFailedRows(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	temp := confirmed(chat.NewTempID(), "alice", "bob", "actually committed")
	if err := c.InsertOptimistic(ctx, temp); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := c.MarkFailed(ctx, temp.ID); err != nil {
		t.Fatalf("mark failed errored: %v", err)
	}
	// An own-echo arriving for a "failed" send proves the create actually
	// committed; the row must still resolve.
	id, err := c.FindRecentOptimistic(ctx, "alice", "bob", "actually committed", 10*time.Second)
	if err != nil || id != temp.ID {
		t.Fatalf("failed row not matched: id=%q err=%v", id, err)
	}
}

func TestSummaryListOrderAndArchive(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	put := func(partner string, ts time.Time, pinned, archived bool) {
		err := c.UpsertSummary(ctx, &chat.ChatSummary{
			PartnerID:   partner,
			LastMessage: chat.LastMessage{Content: "hi", Type: chat.TypeText, Timestamp: ts},
			Pinned:      pinned,
			Archived:    archived,
		})
		if err != nil {
			t.Fatalf("upsert summary %s failed: %v", partner, err)
		}
	}
	now := time.Now()
	put("bob", now.Add(-time.Hour), true, false)
	put("carol", now, false, false)
	put("dave", now.Add(-time.Minute), false, true)

	summaries, err := c.ListSummaries(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("archived chat leaked into the list: %d rows", len(summaries))
	}
	if summaries[0].PartnerID != "bob" {
		t.Fatal("pinned chat must sort first despite being older")
	}
}

func TestApplyMessageToSummary(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	incoming := confirmed("m1", "bob", "alice", "first")
	if err := c.ApplyMessageToSummary(ctx, "alice", incoming, "bobby", "bob@example.com", true); err != nil {
		t.Fatalf("apply incoming failed: %v", err)
	}
	summary, err := c.GetSummary(ctx, "bob")
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if summary.UnreadCount != 1 || summary.PartnerUsername != "bobby" {
		t.Fatalf("incoming summary wrong: %+v", summary)
	}

	// Own sends update the snapshot but never bump unread.
	outgoing := confirmed("m2", "alice", "bob", "reply")
	if err = c.ApplyMessageToSummary(ctx, "alice", outgoing, "", "", true); err != nil {
		t.Fatalf("apply outgoing failed: %v", err)
	}
	summary, err = c.GetSummary(ctx, "bob")
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if summary.UnreadCount != 1 {
		t.Fatalf("own send bumped unread to %d", summary.UnreadCount)
	}
	if summary.LastMessage.Content != "reply" {
		t.Fatalf("snapshot not updated: %q", summary.LastMessage.Content)
	}
	if summary.PartnerUsername != "bobby" {
		t.Fatal("display fields lost on outgoing update")
	}
}

func TestSummarySnapshotIgnoresLateOlderMessage(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	newer := confirmed("m2", "bob", "alice", "newer")
	if err := c.ApplyMessageToSummary(ctx, "alice", newer, "", "", true); err != nil {
		t.Fatalf("apply newer failed: %v", err)
	}

	// Poll delivers an older message the push path already superseded.
	older := confirmed("m1", "bob", "alice", "older")
	older.Timestamp = newer.Timestamp.Add(-time.Minute)
	if err := c.ApplyMessageToSummary(ctx, "alice", older, "", "", true); err != nil {
		t.Fatalf("apply older failed: %v", err)
	}

	summary, err := c.GetSummary(ctx, "bob")
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if summary.LastMessage.Content != "newer" {
		t.Fatalf("late older message clobbered snapshot: %q", summary.LastMessage.Content)
	}
	if summary.UnreadCount != 2 {
		t.Fatalf("unread = %d, want 2", summary.UnreadCount)
	}
}

func TestMarkConversationReadClearsBadge(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	msg := confirmed("m1", "bob", "alice", "unread")
	if err := c.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := c.ApplyMessageToSummary(ctx, "alice", msg, "", "", true); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := c.MarkConversationRead(ctx, "alice", "bob"); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	row, err := c.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !row.Read {
		t.Fatal("message not flipped to read")
	}
	summary, err := c.GetSummary(ctx, "bob")
	if err != nil {
		t.Fatalf("summary missing: %v", err)
	}
	if summary.UnreadCount != 0 {
		t.Fatalf("badge = %d, want 0", summary.UnreadCount)
	}
}
