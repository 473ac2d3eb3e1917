// Package badgerdb implements the resolution ledger on an embedded Badger
// key-value store. An empty directory opens an in-memory database.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const gcInterval = 30 * time.Minute

// DB owns the Badger handle and its value log GC loop.
type DB struct {
	db     *badger.DB
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// Open opens the database at dir, or an in-memory one when dir is empty.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	inMemory := len(dir) == 0

	opts := badger.DefaultOptions(dir)
	opts.Logger = &slogAdapter{logger: logger}
	if inMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", dir, err)
	}

	d := &DB{db: db, logger: logger, done: make(chan struct{})}
	if !inMemory {
		go d.runGC()
	}
	return d, nil
}

func (d *DB) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if err := d.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Error("badger value log gc failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.db.Close()
	})
	return err
}

// slogAdapter routes Badger's internal logging into slog. Info and debug
// chatter is demoted to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...any) {
	a.log(slog.LevelError, format, args...)
}

func (a *slogAdapter) Warningf(format string, args ...any) {
	a.log(slog.LevelWarn, format, args...)
}

func (a *slogAdapter) Infof(format string, args ...any) {
	a.log(slog.LevelDebug, format, args...)
}

func (a *slogAdapter) Debugf(format string, args ...any) {
	a.log(slog.LevelDebug, format, args...)
}

func (a *slogAdapter) log(level slog.Level, format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Log(context.Background(), level, fmt.Sprintf(format, args...), slog.String("component", "badger"))
}
