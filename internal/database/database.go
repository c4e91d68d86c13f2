package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/vincentbai/clarity-agent/internal/codec"
	"github.com/vincentbai/clarity-agent/internal/decode"
	"github.com/vincentbai/clarity-agent/internal/models"
)

const (
	BucketPlayback  = "playback"
	BucketAnalytics = "analytics"
)

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS payloads(
	  id           INTEGER PRIMARY KEY,
	  received_utc INTEGER NOT NULL,
	  user_agent   TEXT,
	  project_id   TEXT    NOT NULL,
	  user_id      TEXT    NOT NULL,
	  session_id   TEXT    NOT NULL,
	  page_id      TEXT    NOT NULL,
	  sequence     INTEGER NOT NULL CHECK (sequence >= 0),
	  version      TEXT    NOT NULL,
	  upload       INTEGER NOT NULL,
	  is_end       INTEGER NOT NULL,
	  data_json    TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_payloads_page ON payloads(page_id, sequence);

	CREATE TABLE IF NOT EXISTS events(
	  id         INTEGER PRIMARY KEY,
	  payload_id INTEGER NOT NULL REFERENCES payloads(id),
	  page_id    TEXT    NOT NULL,
	  sequence   INTEGER NOT NULL,
	  position   INTEGER NOT NULL,
	  time       REAL    NOT NULL,
	  kind       INTEGER NOT NULL,
	  bucket     TEXT    NOT NULL CHECK (bucket IN ('playback','analytics')),
	  derived    INTEGER NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_events_page ON events(page_id, time);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) ValidatePayload(payload models.Payload) error {
	envelope := payload.Envelope
	if envelope.PageID == "" {
		return fmt.Errorf("page id cannot be empty")
	}
	if envelope.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if envelope.Sequence < 0 {
		return fmt.Errorf("sequence must not be negative")
	}
	if envelope.Elapsed < 0 {
		return fmt.Errorf("elapsed must not be negative")
	}
	for i, event := range payload.Events {
		if _, ok := event.Time(); !ok {
			return fmt.Errorf("event %d has no time", i)
		}
		if _, ok := event.Kind(); !ok {
			return fmt.Errorf("event %d has no kind", i)
		}
	}
	return nil
}

// InsertPayload stores a payload and its decoded events in one transaction.
// Derived events are stored with the positions the decoder assigned them.
func (d *Database) InsertPayload(ctx context.Context, payload models.Payload, decoded decode.DecodedPayload) (int64, error) {
	if err := d.ValidatePayload(payload); err != nil {
		return 0, fmt.Errorf("invalid payload: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	envelope := payload.Envelope
	result, err := transaction.ExecContext(ctx,
		`INSERT INTO payloads(received_utc, user_agent, project_id, user_id, session_id, page_id, sequence, version, upload, is_end, data_json)
		 VALUES(?,?,?,?,?,?,?,?,?,?,json(?))`,
		decoded.Timestamp.UnixMilli(), decoded.UserAgent,
		envelope.ProjectID, envelope.UserID, envelope.SessionID, envelope.PageID,
		envelope.Sequence, envelope.Version, int(envelope.Upload), envelope.End, string(data))
	if err != nil {
		_ = transaction.Rollback()
		return 0, fmt.Errorf("failed to insert payload: %w", err)
	}
	payloadID, err := result.LastInsertId()
	if err != nil {
		_ = transaction.Rollback()
		return 0, fmt.Errorf("failed to read payload id: %w", err)
	}

	statement, err := transaction.PrepareContext(ctx,
		`INSERT INTO events(payload_id, page_id, sequence, position, time, kind, bucket, derived, data_json) VALUES(?,?,?,?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	original := int64(len(payload.Events))
	insert := func(bucket string, events []codec.Event) error {
		for _, event := range events {
			tokens, err := json.Marshal(codec.Encode(event))
			if err != nil {
				return fmt.Errorf("failed to marshal event %d: %w", event.ID, err)
			}
			if _, err := statement.ExecContext(ctx, payloadID, envelope.PageID, envelope.Sequence,
				event.ID, event.Time, int(event.Kind), bucket, event.ID >= original, string(tokens)); err != nil {
				return fmt.Errorf("failed to execute statement: %w", err)
			}
		}
		return nil
	}
	if err := insert(BucketPlayback, decoded.Playback); err != nil {
		_ = transaction.Rollback()
		return 0, err
	}
	if err := insert(BucketAnalytics, decoded.Analytics); err != nil {
		_ = transaction.Rollback()
		return 0, err
	}

	if err := transaction.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return payloadID, nil
}

// StoredPayload is a payload as received by the collector.
type StoredPayload struct {
	ID         int64          `json:"id"`
	ReceivedAt time.Time      `json:"receivedAt"`
	UserAgent  string         `json:"userAgent"`
	Payload    models.Payload `json:"payload"`
}

// Payloads returns the payloads of a page in sequence order.
func (d *Database) Payloads(ctx context.Context, pageID string) ([]StoredPayload, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, received_utc, COALESCE(user_agent, ''), data_json FROM payloads WHERE page_id = ? ORDER BY sequence, id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payloads: %w", err)
	}
	defer rows.Close()

	var out []StoredPayload
	for rows.Next() {
		var (
			stored   StoredPayload
			received int64
			data     string
		)
		if err := rows.Scan(&stored.ID, &received, &stored.UserAgent, &data); err != nil {
			return nil, fmt.Errorf("failed to scan payload: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &stored.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload %d: %w", stored.ID, err)
		}
		stored.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, stored)
	}
	return out, rows.Err()
}

// StoredEvent is one decoded event row.
type StoredEvent struct {
	PayloadID int64         `json:"payloadId"`
	Sequence  int           `json:"sequence"`
	Position  int64         `json:"position"`
	Time      float64       `json:"time"`
	Kind      models.Kind   `json:"kind"`
	Bucket    string        `json:"bucket"`
	Derived   bool          `json:"derived"`
	Tokens    models.Tokens `json:"tokens"`
}

// Event decodes the stored tokens back into a typed event.
func (s StoredEvent) Event() (codec.Event, error) {
	event, err := codec.Decode(s.Tokens)
	if err != nil {
		return codec.Event{}, err
	}
	event.ID = s.Position
	return event, nil
}

// Events returns the decoded events of a page in replay order: time first,
// then payload sequence and stream position.
func (d *Database) Events(ctx context.Context, pageID string) ([]StoredEvent, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT payload_id, sequence, position, time, kind, bucket, derived, data_json
		 FROM events WHERE page_id = ? ORDER BY time, sequence, payload_id, position`, pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			event StoredEvent
			kind  int
			data  string
		)
		if err := rows.Scan(&event.PayloadID, &event.Sequence, &event.Position, &event.Time, &kind,
			&event.Bucket, &event.Derived, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Kind = models.Kind(kind)
		if err := json.Unmarshal([]byte(data), &event.Tokens); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event tokens: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// PageSummary counts what is stored for one page.
type PageSummary struct {
	PageID   string `json:"pageId"`
	Payloads int    `json:"payloads"`
	Events   int    `json:"events"`
}

func (d *Database) Pages(ctx context.Context) ([]PageSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
	SELECT p.page_id, COUNT(DISTINCT p.id), COUNT(e.id)
	FROM payloads p LEFT JOIN events e ON e.payload_id = p.id
	GROUP BY p.page_id ORDER BY p.page_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var out []PageSummary
	for rows.Next() {
		var page PageSummary
		if err := rows.Scan(&page.PageID, &page.Payloads, &page.Events); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		out = append(out, page)
	}
	return out, rows.Err()
}
