// ConvoSync - Real-Time Conversation Synchronization Backbone
// Copyright 2026 ConvoSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convosync/convosync

package store

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/convosync/convosync/internal/logging"
)

// foldBatchSize bounds one fold transaction so a large backlog never
// produces an oversized Badger transaction.
const foldBatchSize = 1000

// FoldLog folds the log into the main store: entity state is materialized at
// commit time, so folding prunes log records at or below the new watermark
// and advances it durably.
//
// maxRecords bounds the fold (0 = fold everything). When block is true the
// fold holds the writer slot for its duration (the checkpoint scheduler's
// "full" and "aggressive" modes); passive folds run concurrently with
// writers. The caller's context deadline aborts between batches, leaving the
// watermark at the last completed batch, never a partial one.
//
// Returns the number of records folded and the remaining unfolded byte
// estimate.
func (s *Store) FoldLog(ctx context.Context, maxRecords int, block bool) (int64, int64, error) {
	if s.isClosed() {
		return 0, s.unfoldedBytes.Load(), ErrClosed
	}

	if block {
		select {
		case s.writeSem <- struct{}{}:
			defer func() { <-s.writeSem }()
		case <-ctx.Done():
			return 0, s.unfoldedBytes.Load(), &TimeoutError{Op: "fold"}
		}
	}

	var folded int64
	for {
		if maxRecords > 0 && folded >= int64(maxRecords) {
			break
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return folded, s.unfoldedBytes.Load(), &TimeoutError{Op: "fold"}
			}
			return folded, s.unfoldedBytes.Load(), err
		}

		batch := foldBatchSize
		if maxRecords > 0 && int64(maxRecords)-folded < int64(batch) {
			batch = int(int64(maxRecords) - folded)
		}

		n, bytes, watermark, err := s.foldBatch(batch)
		if err != nil {
			return folded, s.unfoldedBytes.Load(), &StorageError{Op: "fold", Err: err}
		}
		if n == 0 {
			break
		}

		folded += n
		s.foldSeq.Store(watermark)
		if s.unfoldedBytes.Add(-bytes) < 0 {
			s.unfoldedBytes.Store(0)
		}
	}

	// The byte estimate accumulates from two sources (encoded length at
	// commit, EstimatedSize at fold) and can drift. When a blocking fold
	// empties the log the writer slot is held, so the estimate can be
	// squared to zero exactly.
	if block && s.foldSeq.Load() == s.lastSeq.Load() {
		s.unfoldedBytes.Store(0)
	}

	if folded > 0 {
		logging.Debug().
			Int64("folded", folded).
			Uint64("watermark", s.foldSeq.Load()).
			Int64("remaining_bytes", s.unfoldedBytes.Load()).
			Msg("log folded")
	}
	return folded, s.unfoldedBytes.Load(), nil
}

// foldBatch deletes up to batch log records above the watermark in one
// transaction and persists the advanced watermark atomically with them.
func (s *Store) foldBatch(batch int) (int64, int64, uint64, error) {
	var (
		count     int64
		bytes     int64
		watermark = s.foldSeq.Load()
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		count, bytes = 0, 0
		watermark = s.foldSeq.Load()

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		prefix := []byte(prefixLog)
		var keys [][]byte
		var seqs []uint64
		var sizes []int64
		for it.Seek(logKey(watermark + 1)); it.ValidForPrefix(prefix) && len(keys) < batch; it.Next() {
			item := it.Item()
			k := make([]byte, len(item.Key()))
			copy(k, item.Key())
			keys = append(keys, k)
			sizes = append(sizes, item.EstimatedSize())
			seqs = append(seqs, seqFromKey(item.Key()))
		}
		it.Close()

		for i, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			count++
			bytes += sizes[i]
			if seqs[i] > watermark {
				watermark = seqs[i]
			}
		}
		if count == 0 {
			return nil
		}
		return putUint64(txn, metaFoldKey, watermark)
	})
	return count, bytes, watermark, err
}

// seqFromKey parses the sequence number out of a log key.
func seqFromKey(key []byte) uint64 {
	var seq uint64
	hex := key[len(prefixLog):]
	for _, c := range hex {
		seq <<= 4
		switch {
		case c >= '0' && c <= '9':
			seq |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			seq |= uint64(c-'a') + 10
		}
	}
	return seq
}

// TruncateValueLog runs Badger value-log garbage collection until no more
// space can be reclaimed. Used by the checkpoint scheduler's aggressive mode.
func (s *Store) TruncateValueLog() error {
	if s.isClosed() {
		return ErrClosed
	}

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return &StorageError{Op: "value_log_gc", Err: err}
		}
	}
}
