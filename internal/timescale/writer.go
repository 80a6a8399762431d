package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-mirror-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TickSnapshot is one mirroring cycle's outcome, recorded for later analysis.
type TickSnapshot struct {
	Time             time.Time
	Leaders          int
	LeadersFetched   int
	Instruments      int
	Targets          int
	OrdersExecuted   int
	OrdersRejected   int
	OrderErrors      int
	FollowerEquity   float64
	TotalNotionalUSD float64
	DryRun           bool
}

// OrderRecord is one order submission outcome.
type OrderRecord struct {
	Time       time.Time
	Instrument string
	Side       string
	Size       float64
	ReduceOnly bool
	Status     string // executed, rejected, error
	OrderID    string
	FilledSz   float64
	AvgPrice   float64
	Detail     string
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	ticks      chan TickSnapshot
	orders     chan OrderRecord
	started    atomic.Bool
	dropTicks  atomic.Uint64
	dropOrders atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
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
		db:     db,
		log:    log,
		schema: schema,
		ticks:  make(chan TickSnapshot, queueSize),
		orders: make(chan OrderRecord, queueSize),
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

func (w *Writer) EnqueueTick(snapshot TickSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- snapshot:
		return
	default:
		if w.dropTicks.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale tick queue full")
		}
	}
}

func (w *Writer) EnqueueOrder(record OrderRecord) {
	if w == nil {
		return
	}
	select {
	case w.orders <- record:
		return
	default:
		if w.dropOrders.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale order queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.ticks:
			w.writeTick(ctx, snap)
		case record := <-w.orders:
			w.writeOrder(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		leaders INTEGER NOT NULL,
		leaders_fetched INTEGER NOT NULL,
		instruments INTEGER NOT NULL,
		targets INTEGER NOT NULL,
		orders_executed INTEGER NOT NULL,
		orders_rejected INTEGER NOT NULL,
		order_errors INTEGER NOT NULL,
		follower_equity DOUBLE PRECISION NOT NULL,
		total_notional_usd DOUBLE PRECISION NOT NULL,
		dry_run BOOLEAN NOT NULL
	)`, w.table("mirror_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		reduce_only BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		filled_sz DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("order_executions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("mirror_ticks"))); err != nil && w.log != nil {
		w.log.Warn("timescale mirror_ticks hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("order_executions"))); err != nil && w.log != nil {
		w.log.Warn("timescale order_executions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeTick(ctx context.Context, snap TickSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, leaders, leaders_fetched, instruments, targets,
		orders_executed, orders_rejected, order_errors,
		follower_equity, total_notional_usd, dry_run
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("mirror_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Leaders,
		snap.LeadersFetched,
		snap.Instruments,
		snap.Targets,
		snap.OrdersExecuted,
		snap.OrdersRejected,
		snap.OrderErrors,
		snap.FollowerEquity,
		snap.TotalNotionalUSD,
		snap.DryRun,
	); err != nil && w.log != nil {
		w.log.Warn("timescale tick insert failed", zap.Error(err))
	}
}

func (w *Writer) writeOrder(ctx context.Context, record OrderRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, side, size, reduce_only, status, order_id, filled_sz, avg_price, detail
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("order_executions"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Instrument,
		record.Side,
		record.Size,
		record.ReduceOnly,
		record.Status,
		record.OrderID,
		record.FilledSz,
		record.AvgPrice,
		record.Detail,
	); err != nil && w.log != nil {
		w.log.Warn("timescale order insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
