// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/convosync/convosync/internal/logging"
	"github.com/convosync/convosync/internal/models"
)

// OpKind identifies a write operation within a commit batch.
type OpKind string

const (
	OpCreateConversation OpKind = "create_conversation"
	OpUpdateConversation OpKind = "update_conversation"
	OpDeleteConversation OpKind = "delete_conversation"
	OpAppendMessage      OpKind = "append_message"
	OpDeleteMessage      OpKind = "delete_message"
)

// Operation is one write in a commit batch.
type Operation struct {
	Kind           OpKind
	Conversation   *models.Conversation
	Message        *models.Message
	ConversationID string
	MessageID      string
}

// CreateConversation builds a conversation-create operation.
func CreateConversation(c *models.Conversation) Operation {
	return Operation{Kind: OpCreateConversation, Conversation: c}
}

// UpdateConversation builds a title/metadata update operation.
func UpdateConversation(c *models.Conversation) Operation {
	return Operation{Kind: OpUpdateConversation, Conversation: c}
}

// DeleteConversation builds a cascading conversation-delete operation.
func DeleteConversation(id string) Operation {
	return Operation{Kind: OpDeleteConversation, ConversationID: id}
}

// AppendMessage builds a message-append operation.
func AppendMessage(m *models.Message) Operation {
	return Operation{Kind: OpAppendMessage, Message: m}
}

// DeleteMessage builds a message soft-delete operation.
func DeleteMessage(conversationID, messageID string) Operation {
	return Operation{Kind: OpDeleteMessage, ConversationID: conversationID, MessageID: messageID}
}

// Commit applies a batch of operations as one atomic transaction and returns
// the resulting log records with their assigned sequence numbers.
//
// Conversation counters (message count, total tokens) are updated in the same
// transaction as the message writes, so they can never diverge from the
// message set. Writers serialize; the caller's context deadline is honored
// both while waiting for the writer slot and between operations, and a
// deadline overrun discards the transaction without partial effects.
func (s *Store) Commit(ctx context.Context, ops []Operation) ([]models.LogRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidOperation)
	}
	if len(ops) > s.config.MaxTxnRows {
		return nil, fmt.Errorf("%w: %d operations, limit %d", ErrTooLarge, len(ops), s.config.MaxTxnRows)
	}

	// Single-writer semantics: wait for the writer slot, or give up at the
	// caller's deadline.
	select {
	case s.writeSem <- struct{}{}:
		defer func() { <-s.writeSem }()
	case <-ctx.Done():
		return nil, commitCtxErr(ctx)
	}

	if s.isClosed() {
		return nil, ErrClosed
	}

	now := time.Now().UTC()
	baseSeq := s.lastSeq.Load()
	var (
		records     []models.LogRecord
		recordBytes int64
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		records = records[:0]
		recordBytes = 0
		rows := 0
		seq := baseSeq

		for i := range ops {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return commitCtxErr(ctx)
			}

			rec, touched, err := s.applyOp(txn, &ops[i], now, seq+1)
			if err != nil {
				return err
			}
			rows += touched
			if rows > s.config.MaxTxnRows {
				return fmt.Errorf("%w: batch touches %d rows, limit %d", ErrTooLarge, rows, s.config.MaxTxnRows)
			}
			if rec == nil {
				continue // no-op (e.g. re-deleting a deleted message)
			}

			seq++
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal log record: %w", err)
			}
			if err := txn.Set(logKey(rec.Seq), data); err != nil {
				return err
			}
			recordBytes += int64(len(data))
			records = append(records, *rec)
		}

		return putUint64(txn, metaSeqKey, seq)
	})
	if err != nil {
		// Taxonomy errors pass through unchanged; anything else is storage.
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) ||
			errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidOperation) ||
			IsTimeout(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &StorageError{Op: "commit", Err: err}
	}

	if len(records) > 0 {
		s.lastSeq.Store(records[len(records)-1].Seq)
	}
	s.totalCommits.Add(1)
	s.totalRecords.Add(int64(len(records)))

	if s.unfoldedBytes.Add(recordBytes) >= s.config.SoftThresholdBytes {
		select {
		case s.sizeCh <- struct{}{}:
		default:
		}
	}

	return records, nil
}

func commitCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: "commit"}
	}
	return ctx.Err()
}

// applyOp applies one operation inside the transaction and returns the log
// record to append (nil for a no-op) plus the number of rows touched.
func (s *Store) applyOp(txn *badger.Txn, op *Operation, now time.Time, seq uint64) (*models.LogRecord, int, error) {
	switch op.Kind {
	case OpCreateConversation:
		return s.applyCreateConversation(txn, op, now, seq)
	case OpUpdateConversation:
		return s.applyUpdateConversation(txn, op, now, seq)
	case OpDeleteConversation:
		return s.applyDeleteConversation(txn, op, now, seq)
	case OpAppendMessage:
		return s.applyAppendMessage(txn, op, now, seq)
	case OpDeleteMessage:
		return s.applyDeleteMessage(txn, op, now, seq)
	default:
		return nil, 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
}

func (s *Store) applyCreateConversation(txn *badger.Txn, op *Operation, now time.Time, seq uint64) (*models.LogRecord, int, error) {
	if op.Conversation == nil {
		return nil, 0, fmt.Errorf("%w: create_conversation requires a conversation", ErrInvalidOperation)
	}
	conv := *op.Conversation
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}

	if _, err := txn.Get(convKey(conv.ID)); err == nil {
		return nil, 0, fmt.Errorf("%w: conversation %q already exists", ErrConflict, conv.ID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, err
	}

	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.MessageCount = 0
	conv.TotalTokens = 0

	payload, err := writeConversation(txn, &conv)
	if err != nil {
		return nil, 0, err
	}
	return logRecord(seq, models.EntityConversation, conv.ID, models.LogOpCreate, payload, now), 1, nil
}

func (s *Store) applyUpdateConversation(txn *badger.Txn, op *Operation, now time.Time, seq uint64) (*models.LogRecord, int, error) {
	if op.Conversation == nil || op.Conversation.ID == "" {
		return nil, 0, fmt.Errorf("%w: update_conversation requires a conversation id", ErrInvalidOperation)
	}

	existing, err := getConversation(txn, op.Conversation.ID)
	if err != nil {
		return nil, 0, err
	}

	// Only title and metadata are caller-writable; counters and creation
	// time belong to the store.
	existing.Title = op.Conversation.Title
	if op.Conversation.Metadata != nil {
		existing.Metadata = op.Conversation.Metadata
	}
	existing.UpdatedAt = now

	payload, err := writeConversation(txn, existing)
	if err != nil {
		return nil, 0, err
	}
	return logRecord(seq, models.EntityConversation, existing.ID, models.LogOpUpdate, payload, now), 1, nil
}

func (s *Store) applyDeleteConversation(txn *badger.Txn, op *Operation, now time.Time, seq uint64) (*models.LogRecord, int, error) {
	if op.ConversationID == "" {
		return nil, 0, fmt.Errorf("%w: delete_conversation requires a conversation id", ErrInvalidOperation)
	}

	conv, err := getConversation(txn, op.ConversationID)
	if err != nil {
		return nil, 0, err
	}

	// Conversation owns its messages: deletion cascades.
	rows := 1
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	prefix := msgPrefix(op.ConversationID)
	var msgKeys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := make([]byte, len(it.Item().Key()))
		copy(k, it.Item().Key())
		msgKeys = append(msgKeys, k)
	}
	it.Close()

	for _, k := range msgKeys {
		if err := txn.Delete(k); err != nil {
			return nil, 0, err
		}
		rows++
	}
	if err := txn.Delete(convKey(op.ConversationID)); err != nil {
		return nil, 0, err
	}

	payload, err := json.Marshal(conv)
	if err != nil {
		return nil, 0, err
	}
	return logRecord(seq, models.EntityConversation, conv.ID, models.LogOpDelete, payload, now), rows, nil
}

func (s *Store) applyAppendMessage(txn *badger.Txn, op *Operation, now time.Time, seq uint64) (*models.LogRecord, int, error) {
	if op.Message == nil || op.Message.ConversationID == "" {
		return nil, 0, fmt.Errorf("%w: append_message requires a message with a conversation id", ErrInvalidOperation)
	}
	if !op.Message.Role.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown role %q", ErrInvalidOperation, op.Message.Role)
	}

	msg := *op.Message
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = now
	msg.Deleted = false

	conv, err := getConversation(txn, msg.ConversationID)
	if err != nil {
		return nil, 0, err
	}

	if _, err := txn.Get(msgKey(msg.ConversationID, msg.ID)); err == nil {
		return nil, 0, fmt.Errorf("%w: message %q already exists in conversation %q", ErrConflict, msg.ID, msg.ConversationID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, err
	}

	payload, err := json.Marshal(&msg)
	if err != nil {
		return nil, 0, err
	}
	if err := txn.Set(msgKey(msg.ConversationID, msg.ID), payload); err != nil {
		return nil, 0, err
	}

	// Counter maintenance in the same transaction.
	conv.MessageCount++
	conv.TotalTokens += msg.TokenCount
	conv.UpdatedAt = now
	if _, err := writeConversation(txn, conv); err != nil {
		return nil, 0, err
	}

	return logRecord(seq, models.EntityMessage, msg.ID, models.LogOpCreate, payload, now), 2, nil
}

func (s *Store) applyDeleteMessage(txn *badger.Txn, op *Operation, now time.Time, seq uint64) (*models.LogRecord, int, error) {
	if op.ConversationID == "" || op.MessageID == "" {
		return nil, 0, fmt.Errorf("%w: delete_message requires conversation and message ids", ErrInvalidOperation)
	}

	item, err := txn.Get(msgKey(op.ConversationID, op.MessageID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("%w: message %q in conversation %q", ErrNotFound, op.MessageID, op.ConversationID)
	}
	if err != nil {
		return nil, 0, err
	}

	var msg models.Message
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, 0, err
	}

	if msg.Deleted {
		// Re-deleting a soft-deleted message is a no-op, not an error.
		logging.Debug().Str("message_id", msg.ID).Msg("message already deleted, skipping")
		return nil, 1, nil
	}

	msg.Deleted = true
	payload, err := json.Marshal(&msg)
	if err != nil {
		return nil, 0, err
	}
	if err := txn.Set(msgKey(op.ConversationID, op.MessageID), payload); err != nil {
		return nil, 0, err
	}

	// Compensating counter update on the owning conversation.
	conv, err := getConversation(txn, op.ConversationID)
	if err != nil {
		return nil, 0, err
	}
	conv.MessageCount--
	conv.TotalTokens -= msg.TokenCount
	conv.UpdatedAt = now
	if _, err := writeConversation(txn, conv); err != nil {
		return nil, 0, err
	}

	return logRecord(seq, models.EntityMessage, msg.ID, models.LogOpDelete, payload, now), 2, nil
}

func logRecord(seq uint64, et models.EntityType, id string, op models.LogOp, payload []byte, now time.Time) *models.LogRecord {
	return &models.LogRecord{
		Seq:         seq,
		EntityType:  et,
		EntityID:    id,
		Op:          op,
		Payload:     payload,
		CommittedAt: now,
	}
}

func getConversation(txn *badger.Txn, id string) (*models.Conversation, error) {
	item, err := txn.Get(convKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: conversation %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var conv models.Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return nil, err
	}
	return &conv, nil
}

func writeConversation(txn *badger.Txn, conv *models.Conversation) ([]byte, error) {
	payload, err := json.Marshal(conv)
	if err != nil {
		return nil, err
	}
	if err := txn.Set(convKey(conv.ID), payload); err != nil {
		return nil, err
	}
	return payload, nil
}
