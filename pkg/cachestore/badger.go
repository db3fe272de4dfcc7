package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/logadapter"
)

var _ Store = (*Badger)(nil)

// Badger is a Store backed by an embedded BadgerDB. It persists across
// restarts but can't be shared between addon instances, so SetNX only
// locks out goroutines of the same process.
type Badger struct {
	db     *badger.DB
	stopGC chan struct{}
}

// NewBadger creates a new Badger store in the given directory.
func NewBadger(path string, logger *zap.Logger) (*Badger, error) {
	if path == "" {
		return nil, fmt.Errorf("path must not be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	opts := badger.DefaultOptions(path).
		WithLogger(logadapter.NewBadger2Zap(logger)).
		WithLoggingLevel(badger.WARNING).
		WithSyncWrites(false)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't open BadgerDB: %w", err)
	}

	s := &Badger{
		db:     db,
		stopGC: make(chan struct{}),
	}
	// Badger never runs value log GC on its own.
	go s.gcLoop()
	return s, nil
}

func (s *Badger) gcLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// An error just means there was nothing to collect.
			s.db.RunValueLogGC(0.5)
		case <-s.stopGC:
			return
		}
	}
}

func (s *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("couldn't get value from BadgerDB: %w", err)
	}
	return val, true, nil
}

func (s *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("couldn't set value in BadgerDB: %w", err)
	}
	return nil
}

func (s *Badger) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := s.db.Update(func(txn *badger.Txn) error {
		// Badger treats expired entries as not found, matching Redis SETNX.
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err = txn.SetEntry(entry); err != nil {
			return err
		}
		set = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("couldn't set value in BadgerDB: %w", err)
	}
	return set, nil
}

func (s *Badger) Del(_ context.Context, keys ...string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("couldn't delete keys from BadgerDB: %w", err)
	}
	return nil
}

func (s *Badger) Close() error {
	close(s.stopGC)
	return s.db.Close()
}
