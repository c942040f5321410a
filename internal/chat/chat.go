// Package chat persists the message history the peer core emits into. The
// core only depends on the Store interface; the sqlite implementation is the
// product's concrete one.
package chat

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Statuses of file-transfer chat entries.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Message kinds.
const (
	KindText = "text"
	KindFile = "file"
)

type Message struct {
	ID         uint `gorm:"primaryKey"`
	Sender     string
	Receiver   string
	Content    string
	Kind       string
	TransferID string `gorm:"index"`
	FileName   string
	FileSize   int64
	MimeType   string
	Status     string
	Timestamp  string
	CreatedAt  int64 `gorm:"autoCreateTime"`
}

// Store is the chat/message collaborator surface the peer core writes into.
type Store interface {
	Append(msg *Message) error
	UpdateByTransferID(transferID string, fields map[string]any) error
	History(peerA, peerB string) ([]Message, error)
}

type SQLStore struct {
	DB *gorm.DB
}

// NewDB opens (or creates) the chat database. ":memory:" works for tests.
func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: open db: %w", err)
	}

	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("chat: migrate: %w", err)
	}
	return db, nil
}

func NewStore(db *gorm.DB) *SQLStore {
	return &SQLStore{DB: db}
}

func (s *SQLStore) Append(msg *Message) error {
	return s.DB.Create(msg).Error
}

// UpdateByTransferID patches the chat entry tracking a file transfer, e.g.
// flipping it to completed with the final size once the last chunk lands.
func (s *SQLStore) UpdateByTransferID(transferID string, fields map[string]any) error {
	return s.DB.Model(&Message{}).
		Where("transfer_id = ?", transferID).
		Updates(fields).Error
}

// History returns the conversation between two peers in insertion order.
func (s *SQLStore) History(peerA, peerB string) ([]Message, error) {
	var msgs []Message
	err := s.DB.
		Where("(sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)",
			peerA, peerB, peerB, peerA).
		Order("id").
		Find(&msgs).Error
	return msgs, err
}

var _ Store = (*SQLStore)(nil)
