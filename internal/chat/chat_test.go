package chat

import (
	"testing"
)

func setupStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	return NewStore(db)
}

func TestStore_AppendAndHistory(t *testing.T) {
	s := setupStore(t)

	msgs := []*Message{
		{Sender: "alice", Receiver: "bob", Content: "hi", Kind: KindText},
		{Sender: "bob", Receiver: "alice", Content: "hello", Kind: KindText},
		{Sender: "alice", Receiver: "carol", Content: "other thread", Kind: KindText},
	}
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	history, err := s.History("alice", "bob")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Content != "hi" || history[1].Content != "hello" {
		t.Errorf("history out of order: %+v", history)
	}
}

func TestStore_UpdateByTransferID(t *testing.T) {
	s := setupStore(t)

	err := s.Append(&Message{
		Sender:     "bob",
		Receiver:   "alice",
		Kind:       KindFile,
		TransferID: "bob-1700000000",
		FileName:   "photo.png",
		Status:     StatusPending,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err = s.UpdateByTransferID("bob-1700000000", map[string]any{
		"status":    StatusCompleted,
		"file_size": int64(40960),
		"mime_type": "image/png",
	})
	if err != nil {
		t.Fatalf("UpdateByTransferID failed: %v", err)
	}

	history, err := s.History("alice", "bob")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	got := history[0]
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.FileSize != 40960 {
		t.Errorf("file size = %d, want 40960", got.FileSize)
	}
}

func TestStore_UpdateUnknownTransferIsNoop(t *testing.T) {
	s := setupStore(t)
	if err := s.UpdateByTransferID("missing", map[string]any{"status": StatusCompleted}); err != nil {
		t.Fatalf("update of unknown transfer must not error: %v", err)
	}
}
