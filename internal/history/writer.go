package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"treasury-agent/internal/config"
)

const writeTimeout = 3 * time.Second

type EvaluationRecord struct {
	Time       time.Time
	User       string
	Trigger    string
	Skipped    bool
	SkipReason string
	HasDrift   bool
	Executed   bool
	Error      string
}

type ExecutionRecord struct {
	Time       time.Time
	User       string
	Mode       string
	TokenIn    string
	TokenOut   string
	AmountIn   string
	TxHash     string
	UserOpHash string
	Success    bool
	Error      string
}

type ClaimRecord struct {
	Time        time.Time
	Treasury    string
	Agent       string
	Claimed     string
	Distributed bool
	TxHash      string
	Error       string
}

// Writer persists evaluation, execution and claim history to
// Timescale. Inserts are queued; a full queue drops records rather
// than blocking the evaluation path.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	evaluations chan EvaluationRecord
	executions  chan ExecutionRecord
	claims      chan ClaimRecord
	started     atomic.Bool
	dropEval    atomic.Uint64
	dropExec    atomic.Uint64
	dropClaim   atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		evaluations: make(chan EvaluationRecord, queueSize),
		executions:  make(chan ExecutionRecord, queueSize),
		claims:      make(chan ClaimRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueEvaluation(rec EvaluationRecord) {
	if w == nil {
		return
	}
	select {
	case w.evaluations <- rec:
		return
	default:
		if w.dropEval.Add(1) == 1 && w.log != nil {
			w.log.Warn("history evaluation queue full")
		}
	}
}

func (w *Writer) EnqueueExecution(rec ExecutionRecord) {
	if w == nil {
		return
	}
	select {
	case w.executions <- rec:
		return
	default:
		if w.dropExec.Add(1) == 1 && w.log != nil {
			w.log.Warn("history execution queue full")
		}
	}
}

func (w *Writer) EnqueueClaim(rec ClaimRecord) {
	if w == nil {
		return
	}
	select {
	case w.claims <- rec:
		return
	default:
		if w.dropClaim.Add(1) == 1 && w.log != nil {
			w.log.Warn("history claim queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.evaluations:
			w.writeEvaluation(ctx, rec)
		case rec := <-w.executions:
			w.writeExecution(ctx, rec)
		case rec := <-w.claims:
			w.writeClaim(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_address TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		skipped BOOLEAN NOT NULL,
		skip_reason TEXT NOT NULL DEFAULT '',
		has_drift BOOLEAN NOT NULL,
		executed BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("evaluations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		user_address TEXT NOT NULL,
		mode TEXT NOT NULL,
		token_in TEXT NOT NULL,
		token_out TEXT NOT NULL,
		amount_in TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		user_op_hash TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("executions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		treasury TEXT NOT NULL,
		agent TEXT NOT NULL,
		claimed TEXT NOT NULL,
		distributed BOOLEAN NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("claims"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"evaluations", "executions", "claims"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeEvaluation(ctx context.Context, rec EvaluationRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_address, trigger_source, skipped, skip_reason, has_drift, executed, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("evaluations"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time, rec.User, rec.Trigger, rec.Skipped, rec.SkipReason, rec.HasDrift, rec.Executed, rec.Error,
	); err != nil && w.log != nil {
		w.log.Warn("history evaluation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeExecution(ctx context.Context, rec ExecutionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, user_address, mode, token_in, token_out, amount_in, tx_hash, user_op_hash, success, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("executions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time, rec.User, rec.Mode, rec.TokenIn, rec.TokenOut, rec.AmountIn,
		rec.TxHash, rec.UserOpHash, rec.Success, rec.Error,
	); err != nil && w.log != nil {
		w.log.Warn("history execution insert failed", zap.Error(err))
	}
}

func (w *Writer) writeClaim(ctx context.Context, rec ClaimRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, treasury, agent, claimed, distributed, tx_hash, error
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("claims"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time, rec.Treasury, rec.Agent, rec.Claimed, rec.Distributed, rec.TxHash, rec.Error,
	); err != nil && w.log != nil {
		w.log.Warn("history claim insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
