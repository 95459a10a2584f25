// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/convosync/convosync/internal/models"
)

// Reads run on Badger View transactions: a consistent snapshot as of
// transaction start, never blocking (or blocked by) the writer.

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var conv *models.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		c, err := getConversation(txn, id)
		if err != nil {
			return err
		}
		conv = c
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get_conversation", Err: err}
	}
	return conv, nil
}

// GetMessage returns one message by conversation and message id.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var msg models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(conversationID, messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: message %q in conversation %q", ErrNotFound, messageID, conversationID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get_message", Err: err}
	}
	return &msg, nil
}

// ListConversations returns up to limit conversations in id order.
// A limit of 0 means no bound.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var out []*models.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixConv)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var conv models.Conversation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &conv)
			}); err != nil {
				return err
			}
			out = append(out, &conv)
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "list_conversations", Err: err}
	}
	return out, nil
}

// ListMessages returns the messages of a conversation in insertion order.
// Soft-deleted messages are skipped unless includeDeleted is set.
func (s *Store) ListMessages(ctx context.Context, conversationID string, includeDeleted bool) ([]*models.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var out []*models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getConversation(txn, conversationID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := msgPrefix(conversationID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.Deleted && !includeDeleted {
				continue
			}
			out = append(out, &msg)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "list_messages", Err: err}
	}

	// Keys sort by message id, not insertion time; restore log order.
	sortMessagesByTime(out)
	return out, nil
}

func sortMessagesByTime(msgs []*models.Message) {
	// Insertion sort: message lists are small and mostly ordered already.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].CreatedAt.After(msgs[j].CreatedAt); j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// ReadLog returns up to limit log records with sequence numbers strictly
// greater than fromSeq, in sequence order. A limit of 0 means no bound.
func (s *Store) ReadLog(ctx context.Context, fromSeq uint64, limit int) ([]models.LogRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var out []models.LogRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixLog)
		for it.Seek(logKey(fromSeq + 1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec models.LogRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "read_log", Err: err}
	}
	return out, nil
}
