// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

// Package store implements the durable log store on BadgerDB.
//
// Every commit applies its batch of conversation/message writes and appends
// the matching log records in one atomic transaction, so the materialized
// entity state can never diverge from the log. Readers run on Badger
// snapshots and never block the single serialized writer. The checkpoint
// scheduler folds (prunes) log records that are already reflected in the
// entity keyspace, bounding log growth.
//
// Keyspaces:
//
//	meta:seq          last assigned sequence number (8 bytes, big endian)
//	meta:fold         fold watermark: highest folded sequence number
//	log:<seq,16-hex>  append-only log records
//	conv:<id>         materialized conversations
//	msg:<conv>:<id>   materialized messages
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/convosync/convosync/internal/logging"
)

// Durability selects the fsync policy for commits.
type Durability string

const (
	// DurabilityRelaxed defers fsync; a small window of loss exists on power
	// failure. This is the default: checkpoints fsync on fold, recovering the
	// bulk of the guarantee.
	DurabilityRelaxed Durability = "relaxed"

	// DurabilityStrict fsyncs on every commit.
	DurabilityStrict Durability = "strict"
)

// Config holds store configuration.
type Config struct {
	// Path is the directory for BadgerDB storage. Should be on a durable
	// filesystem (not tmpfs).
	Path string

	// Durability is the fsync mode: relaxed or strict. Default: relaxed.
	Durability Durability

	// MaxTxnRows bounds the number of rows one commit may touch.
	// Batches beyond it are rejected with ErrTooLarge. Default: 10000.
	MaxTxnRows int

	// SoftThresholdBytes is the unfolded-log size at which the store signals
	// the checkpoint scheduler. The store never blocks writers to enforce
	// it; it only signals. Default: 16MB.
	SoftThresholdBytes int64

	// CloseTimeout bounds graceful shutdown. Default: 30s.
	CloseTimeout time.Duration

	// BadgerDB tuning.
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
	Compression      bool
	GCRatio          float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:               "/data/convosync",
		Durability:         DurabilityRelaxed,
		MaxTxnRows:         10000,
		SoftThresholdBytes: 16 * 1024 * 1024,
		CloseTimeout:       30 * time.Second,
		MemTableSize:       16 * 1024 * 1024,
		ValueLogFileSize:   64 * 1024 * 1024,
		NumCompactors:      2,
		Compression:        true,
		GCRatio:            0.5,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("store config: Path is required")
	}
	if c.Durability != DurabilityRelaxed && c.Durability != DurabilityStrict {
		return fmt.Errorf("store config: Durability must be %q or %q", DurabilityRelaxed, DurabilityStrict)
	}
	if c.MaxTxnRows < 1 {
		return fmt.Errorf("store config: MaxTxnRows must be at least 1")
	}
	if c.SoftThresholdBytes < 1 {
		return fmt.Errorf("store config: SoftThresholdBytes must be positive")
	}
	if c.NumCompactors < 2 {
		return fmt.Errorf("store config: NumCompactors must be at least 2 (BadgerDB requirement)")
	}
	return nil
}

// Key prefixes.
const (
	prefixLog  = "log:"
	prefixConv = "conv:"
	prefixMsg  = "msg:"
)

var (
	metaSeqKey  = []byte("meta:seq")
	metaFoldKey = []byte("meta:fold")
)

func logKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixLog, seq))
}

func convKey(id string) []byte {
	return []byte(prefixConv + id)
}

func msgKey(conversationID, messageID string) []byte {
	return []byte(prefixMsg + conversationID + ":" + messageID)
}

func msgPrefix(conversationID string) []byte {
	return []byte(prefixMsg + conversationID + ":")
}

// Store is the BadgerDB-backed durable log store.
//
// Writers serialize through an internal semaphore (single-writer-at-a-time
// semantics); acquiring it honors the caller's context deadline. Readers use
// Badger View transactions and see a consistent snapshot as of transaction
// start, concurrent with any in-flight writer.
type Store struct {
	db     *badger.DB
	config Config

	// writeSem is a one-slot semaphore serializing writers. Acquiring it is
	// context-aware so commit deadlines surface as TimeoutError, not a hang.
	writeSem chan struct{}

	lastSeq       atomic.Uint64
	foldSeq       atomic.Uint64
	unfoldedBytes atomic.Int64

	totalCommits atomic.Int64
	totalRecords atomic.Int64

	// sizeCh carries the soft-threshold signal to the checkpoint scheduler.
	// Buffered with one slot; sends never block the commit path.
	sizeCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a store at the configured path and recovers the
// sequence counter and fold watermark.
func Open(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Durability == "" {
		cfg.Durability = def.Durability
	}
	if cfg.MaxTxnRows == 0 {
		cfg.MaxTxnRows = def.MaxTxnRows
	}
	if cfg.SoftThresholdBytes == 0 {
		cfg.SoftThresholdBytes = def.SoftThresholdBytes
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.MemTableSize == 0 {
		cfg.MemTableSize = def.MemTableSize
	}
	if cfg.ValueLogFileSize == 0 {
		cfg.ValueLogFileSize = def.ValueLogFileSize
	}
	if cfg.NumCompactors == 0 {
		cfg.NumCompactors = def.NumCompactors
	}
	if cfg.GCRatio == 0 {
		cfg.GCRatio = def.GCRatio
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.Durability == DurabilityStrict
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.NumCompactors = cfg.NumCompactors
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := &Store{
		db:       db,
		config:   cfg,
		writeSem: make(chan struct{}, 1),
		sizeCh:   make(chan struct{}, 1),
	}

	if err := s.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Str("durability", string(cfg.Durability)).
		Uint64("last_seq", s.lastSeq.Load()).
		Uint64("fold_seq", s.foldSeq.Load()).
		Int64("unfolded_bytes", s.unfoldedBytes.Load()).
		Msg("store opened")
	return s, nil
}

// recover restores the sequence counter, fold watermark, and the unfolded
// log byte estimate from the durable state.
func (s *Store) recover() error {
	err := s.db.View(func(txn *badger.Txn) error {
		if seq, err := readUint64(txn, metaSeqKey); err == nil {
			s.lastSeq.Store(seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if fold, err := readUint64(txn, metaFoldKey); err == nil {
			s.foldSeq.Store(fold)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		// Rebuild the unfolded-size estimate by scanning the live log tail.
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var bytes int64
		prefix := []byte(prefixLog)
		for it.Seek(logKey(s.foldSeq.Load() + 1)); it.ValidForPrefix(prefix); it.Next() {
			bytes += it.Item().EstimatedSize()
		}
		s.unfoldedBytes.Store(bytes)
		return nil
	})
	if err != nil {
		return &StorageError{Op: "recover", Err: err}
	}
	return nil
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("malformed counter at %s", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func putUint64(txn *badger.Txn, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set(key, buf)
}

// LastSeq returns the last assigned sequence number.
func (s *Store) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// FoldSeq returns the fold watermark: the highest folded sequence number.
func (s *Store) FoldSeq() uint64 {
	return s.foldSeq.Load()
}

// UnfoldedLogBytes returns the estimated size of log records above the fold
// watermark.
func (s *Store) UnfoldedLogBytes() int64 {
	return s.unfoldedBytes.Load()
}

// SizeSignal returns the channel signaled when the unfolded log crosses the
// soft threshold. Consumed by the checkpoint scheduler.
func (s *Store) SizeSignal() <-chan struct{} {
	return s.sizeCh
}

// Stats contains store counters for observability.
type Stats struct {
	LastSeq       uint64
	FoldSeq       uint64
	UnfoldedBytes int64
	TotalCommits  int64
	TotalRecords  int64
	DBSizeBytes   int64
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	lsm, vlog := s.db.Size()
	return Stats{
		LastSeq:       s.lastSeq.Load(),
		FoldSeq:       s.foldSeq.Load(),
		UnfoldedBytes: s.unfoldedBytes.Load(),
		TotalCommits:  s.totalCommits.Load(),
		TotalRecords:  s.totalRecords.Load(),
		DBSizeBytes:   lsm + vlog,
	}
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close shuts the store down, bounded by CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return &StorageError{Op: "close", Err: err}
		}
		logging.Info().Msg("store closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("store close timeout after %v", timeout)
	}
}
