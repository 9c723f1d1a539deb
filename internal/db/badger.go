package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const maxConflictRetries = 16

// BadgerKV is a KV backed by an embedded badger database. Entries carry a
// native badger TTL so expired conversations vanish without a sweep.
type BadgerKV struct {
	db  *badger.DB
	log *logrus.Logger
}

// OpenBadger opens a badger database at path, or an in-memory one when path
// is empty.
func OpenBadger(path string, logger *logrus.Logger) (*BadgerKV, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger})
	opts.ValueLogFileSize = 1024 * 1024 * 64
	opts.SyncWrites = false

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logger.WithFields(logrus.Fields{"path": path, "in_memory": path == ""}).Info("badger store opened")
	return &BadgerKV{db: bdb, log: logger}, nil
}

// Get returns the value stored under key.
func (k *BadgerKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, found, nil
}

// Update runs fn inside a badger read-write transaction. Conflicting
// concurrent writers are serialized by retrying on badger.ErrConflict.
func (k *BadgerKV) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = k.db.Update(func(txn *badger.Txn) error {
			return applyBadger(txn, []byte(key), fn)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		k.log.WithFields(logrus.Fields{"key": key, "attempt": attempt + 1}).Debug("badger txn conflict, retrying")
	}
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	return err
}

func applyBadger(txn *badger.Txn, key []byte, fn UpdateFunc) error {
	var (
		current []byte
		found   bool
	)
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		found = true
		if current, err = item.ValueCopy(nil); err != nil {
			return err
		}
	}

	next, ttl, err := fn(current, found)
	if err != nil {
		return err
	}
	if next == nil || ttl <= 0 {
		if !found {
			return nil
		}
		return txn.Delete(key)
	}
	return txn.SetEntry(badger.NewEntry(key, next).WithTTL(nativeTTL(ttl)))
}

// nativeTTL rounds ttl up to the next whole second. Badger keeps expiry in
// unix seconds and drops a key once that second starts, so an unrounded ttl
// could remove a document before the expiresAt it carries.
func nativeTTL(ttl time.Duration) time.Duration {
	return ttl.Truncate(time.Second) + time.Second
}

// Sweep runs value-log garbage collection until nothing is left to rewrite.
func (k *BadgerKV) Sweep(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := k.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("badger value log gc: %w", err)
		}
	}
}

// Close closes the underlying database.
func (k *BadgerKV) Close() error {
	return k.db.Close()
}

// badgerLogger forwards badger's internal logs at one level lower so that
// compaction chatter stays out of info logs.
type badgerLogger struct {
	log *logrus.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Tracef(f, v...) }

var _ KV = (*BadgerKV)(nil)
