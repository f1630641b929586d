package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
)

// Engine is the pool registry. Every pool is addressed by id and every
// mutation runs in one transaction under that pool's writer lock, so
// operations on distinct pools never share state.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	Writers *KeyedMutex
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Logger:  logging.OrNop(logger),
		Now:     time.Now,
		Writers: NewKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Stamp is the current time in the stored timestamp layout.
func (e Engine) Stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) Events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) Ledger() ledger.Store {
	return ledger.Store{Now: e.now}
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

// WithPool runs fn in a write transaction while holding the pool's writer
// lock. fn sees the pool as of the start of the transaction.
func (e Engine) WithPool(ctx context.Context, poolID string, fn func(tx *sql.Tx, p domain.Pool) error) error {
	unlock := e.Writers.Lock(poolID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPoolTx(ctx, tx, poolID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("pool %s: %w", poolID, err)
		}
		return err
	}
	if err := fn(tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendLedger appends one entry to the pool's ledger inside tx.
func (e Engine) AppendLedger(ctx context.Context, tx *sql.Tx, poolID, kind string, delta int64, reason, ref string) (domain.LedgerEntry, error) {
	entry, err := e.Ledger().Append(ctx, tx, poolID, kind, delta, reason, ref)
	if err != nil {
		return entry, err
	}
	e.Metrics.Ledger(kind)
	return entry, nil
}
