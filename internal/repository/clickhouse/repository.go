package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/repository"
)

type batch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// conn is the part of driver.Conn the repository uses.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string) (batch, error)
	Query(ctx context.Context, query string, args ...any) (rows, error)
	Ping(ctx context.Context) error
	Close() error
}

type driverConn struct {
	driver.Conn
}

func (d driverConn) PrepareBatch(ctx context.Context, query string) (batch, error) {
	return d.Conn.PrepareBatch(ctx, query)
}

func (d driverConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	return d.Conn.Query(ctx, query, args...)
}

// Repository implements AnalyticsRepository for ClickHouse
type Repository struct {
	conn conn
	log  *zap.Logger
}

var _ repository.AnalyticsRepository = (*Repository)(nil)

func NewRepository(client *Client, log *zap.Logger) *Repository {
	return &Repository{conn: driverConn{client.Conn()}, log: log}
}

// InitSchema creates the analytics table. Replays of the same payload collapse
// on (page_id, sequence, position).
func (r *Repository) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS analytics_events (
		project_id String,
		user_id String,
		session_id String,
		page_id String,
		sequence UInt32,
		position Int64,
		time Float64,
		kind UInt16,
		kind_name LowCardinality(String),
		derived Bool,
		data String,
		received_at DateTime64(3)
	) ENGINE = ReplacingMergeTree(received_at)
	ORDER BY (page_id, sequence, position)
	PARTITION BY toYYYYMM(received_at)
	`

	if err := r.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create analytics_events table: %w", err)
	}

	r.log.Info("ClickHouse schema initialized")
	return nil
}

func (r *Repository) InsertBatch(ctx context.Context, events []repository.AnalyticsEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	b, err := r.conn.PrepareBatch(ctx, "INSERT INTO analytics_events")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		if err := b.Append(
			event.ProjectID,
			event.UserID,
			event.SessionID,
			event.PageID,
			event.Sequence,
			event.Position,
			event.Time,
			event.Kind,
			event.KindName,
			event.Derived,
			event.Data,
			event.ReceivedAt,
		); err != nil {
			_ = b.Abort()
			return 0, fmt.Errorf("failed to append event to batch: %w", err)
		}
	}

	if err := b.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}
	return len(events), nil
}

func (r *Repository) KindCounts(ctx context.Context, pageID string) ([]repository.KindCount, error) {
	result, err := r.conn.Query(ctx,
		`SELECT kind_name, count() FROM analytics_events FINAL WHERE page_id = ? GROUP BY kind_name ORDER BY kind_name`, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query kind counts: %w", err)
	}
	defer result.Close()

	var out []repository.KindCount
	for result.Next() {
		var count repository.KindCount
		if err := result.Scan(&count.Kind, &count.Count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		out = append(out, count)
	}
	return out, result.Err()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

func (r *Repository) Close() error {
	return r.conn.Close()
}
