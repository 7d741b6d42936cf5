// Package analytics streams per-round scoring observations into ClickHouse
// so network health can be analyzed offline. The sink is optional: when no
// ClickHouse is configured the engine runs without it.
package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/trustnet/unlx/pkg/retry"
	"github.com/trustnet/unlx/pkg/utils"
)

const (
	flushInterval = 5 * time.Second
	flushSize     = 500
)

// Observation is one scoring outcome: a validation signed, credited as
// participated, or expired as wasted.
type Observation struct {
	At        time.Time
	Round     uint64
	Ledger    string
	Validator string
	Kind      string
}

// Sink batches observations and inserts them in the background. Record never
// blocks: under backpressure observations are dropped, not queued unbounded.
type Sink struct {
	logger   *zap.Logger
	conn     driver.Conn
	database string

	in        chan Observation
	done      chan struct{}
	closeOnce sync.Once
}

// NewSink connects to ClickHouse using the environment:
//   - CLICKHOUSE_ADDR (default "localhost:9000")
//   - CLICKHOUSE_DATABASE (default "unlx")
//   - CLICKHOUSE_USERNAME / CLICKHOUSE_PASSWORD
//
// The observations table is created if missing.
func NewSink(ctx context.Context, logger *zap.Logger) (*Sink, error) {
	addr := utils.Env("CLICKHOUSE_ADDR", "localhost:9000")
	database := utils.Env("CLICKHOUSE_DATABASE", "unlx")

	options := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: utils.Env("CLICKHOUSE_USERNAME", "default"),
			Password: utils.Env("CLICKHOUSE_PASSWORD", ""),
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	var conn driver.Conn
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		c, err := clickhouse.Open(options)
		if err != nil {
			return fmt.Errorf("open clickhouse connection: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("ping clickhouse: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+database); err != nil {
		return nil, fmt.Errorf("create database %s: %w", database, err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.observations (
		at        DateTime64(3),
		round     UInt64,
		ledger    String,
		validator String,
		kind      LowCardinality(String)
	) ENGINE = MergeTree ORDER BY (at, validator)`, database)
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create observations table: %w", err)
	}

	s := &Sink{
		logger:   logger,
		conn:     conn,
		database: database,
		in:       make(chan Observation, 4096),
		done:     make(chan struct{}),
	}
	go s.flushLoop()

	logger.Info("Analytics sink connected",
		zap.String("addr", addr), zap.String("database", database))
	return s, nil
}

// Record enqueues one observation.
func (s *Sink) Record(o Observation) {
	select {
	case s.in <- o:
	default:
		s.logger.Debug("Analytics buffer full, dropping observation")
	}
}

func (s *Sink) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buf := make([]Observation, 0, flushSize)
	for {
		select {
		case o, ok := <-s.in:
			if !ok {
				s.flush(buf)
				return
			}
			buf = append(buf, o)
			if len(buf) >= flushSize {
				s.flush(buf)
				buf = buf[:0]
			}
		case <-ticker.C:
			if len(buf) > 0 {
				s.flush(buf)
				buf = buf[:0]
			}
		}
	}
}

func (s *Sink) flush(buf []Observation) {
	if len(buf) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.observations", s.database))
	if err != nil {
		s.logger.Error("Failed to prepare analytics batch", zap.Error(err))
		return
	}
	for _, o := range buf {
		if err := batch.Append(o.At, o.Round, o.Ledger, o.Validator, o.Kind); err != nil {
			s.logger.Error("Failed to append observation", zap.Error(err))
			return
		}
	}
	if err := batch.Send(); err != nil {
		s.logger.Error("Failed to send analytics batch", zap.Error(err))
		return
	}
	s.logger.Debug("Analytics batch flushed", zap.Int("rows", len(buf)))
}

// Close flushes buffered observations and releases the connection.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.in)
		<-s.done
	})
	return s.conn.Close()
}
