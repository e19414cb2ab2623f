// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianTestGen/services/testgen/datatypes"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrAmbiguousID is returned when an id prefix matches more than one
	// session.
	ErrAmbiguousID = errors.New("session id prefix is ambiguous")

	// ErrNoSessionID is returned when saving a result without an id.
	ErrNoSessionID = errors.New("result has no session id")
)

const (
	sessionPrefix = "session/"
	indexPrefix   = "idx/"
)

// Summary is the listing view of one stored session.
type Summary struct {
	SessionID    string           `json:"session_id"`
	ModuleName   string           `json:"module_name"`
	SourcePath   string           `json:"source_path"`
	Status       datatypes.Status `json:"status"`
	BestCoverage float64          `json:"best_coverage"`
	Iterations   int              `json:"iterations"`
	OutputPath   string           `json:"output_path,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
}

// Summarize builds the listing view of a result.
func Summarize(r *datatypes.LoopResult) Summary {
	return Summary{
		SessionID:    r.SessionID,
		ModuleName:   r.ModuleName,
		SourcePath:   r.SourcePath,
		Status:       r.Status,
		BestCoverage: r.BestCoverage(),
		Iterations:   r.Iterations(),
		OutputPath:   r.OutputPath,
		StartedAt:    r.StartedAt,
		Duration:     r.Duration,
	}
}

// Store persists LoopResults.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens the store described by cfg.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores result, replacing any session with the same id.
func (s *Store) Save(ctx context.Context, result *datatypes.LoopResult) error {
	if result == nil || result.SessionID == "" {
		return ErrNoSessionID
	}
	if result.Err != nil && result.Error == "" {
		result.Error = result.Err.Error()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", result.SessionID, err)
	}

	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		key := []byte(sessionPrefix + result.SessionID)

		// drop the old index entry when the start time changed
		if item, err := txn.Get(key); err == nil {
			var old datatypes.LoopResult
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err == nil {
				if err := txn.Delete(indexKey(old.StartedAt, old.SessionID)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(result.StartedAt, result.SessionID), []byte(result.SessionID))
	})
}

// Get returns the session with id, or with the unique id starting with id.
func (s *Store) Get(ctx context.Context, id string) (*datatypes.LoopResult, error) {
	var result datatypes.LoopResult
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			item, err = findByPrefix(txn, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns up to limit summaries, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	var out []Summary
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(indexPrefix)
		seek := append([]byte(indexPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get([]byte(sessionPrefix + string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var result datatypes.LoopResult
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &result) }); err != nil {
				return fmt.Errorf("decode session %s: %w", id, err)
			}
			out = append(out, Summarize(&result))
		}
		return nil
	})
	return out, err
}

// Delete removes the session with id. Unknown ids return ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		key := []byte(sessionPrefix + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var old datatypes.LoopResult
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err != nil {
			return err
		}
		if err := txn.Delete(indexKey(old.StartedAt, id)); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// indexKey orders sessions by start time; big-endian nanoseconds sort
// bytewise in time order.
func indexKey(started time.Time, id string) []byte {
	key := make([]byte, 0, len(indexPrefix)+8+1+len(id))
	key = append(key, indexPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(started.UnixNano()))
	key = append(key, '/')
	return append(key, id...)
}

func findByPrefix(txn *badger.Txn, id string) (*badger.Item, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(sessionPrefix + id)
	it := txn.NewIterator(opts)
	defer it.Close()

	var matches []string
	for it.Rewind(); it.Valid(); it.Next() {
		matches = append(matches, strings.TrimPrefix(string(it.Item().Key()), sessionPrefix))
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return txn.Get([]byte(sessionPrefix + matches[0]))
	default:
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguousID, id, strings.Join(matches, ", "))
	}
}
