package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
)

// AnalyticsService defines the interface for analytics operations.
// Implementations should handle cases where underlying storage is unavailable
// by returning ErrUnavailable.
type AnalyticsService interface {
	// RecordAuction records the outcome of one ad selection.
	RecordAuction(ctx context.Context, ev AuctionEvent) error
	// RecordInteraction records an impression, view or click reported for a winner.
	RecordInteraction(ctx context.Context, adSelectionID int64, caller string, eventType models.EventType) error
}

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

// AuctionEvent summarizes one ad selection.
type AuctionEvent struct {
	RequestID     string
	Seller        string
	CallerPackage string
	AdSelectionID int64 // zero when there was no winner
	Buyer         string
	RenderURI     string
	Bid           float64
	Score         float64
	Candidates    int // custom audiences after filtering
	Bids          int // bidding outcomes including contextual ads
	Latency       time.Duration
	Result        string
}

// EventRecord mirrors a row in the auction_events table.
type EventRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	RequestID     string    `json:"request_id"`
	Seller        string    `json:"seller"`
	CallerPackage string    `json:"caller_package"`
	AdSelectionID *int64    `json:"ad_selection_id"`
	Buyer         *string   `json:"buyer"`
	RenderURI     *string   `json:"render_uri"`
	Bid           float64   `json:"bid"`
	Score         float64   `json:"score"`
	Candidates    int32     `json:"candidates"`
	Bids          int32     `json:"bids"`
	LatencyMs     int64     `json:"latency_ms"`
	Result        string    `json:"result"`
}

const createEventsTable = `CREATE TABLE IF NOT EXISTS auction_events (
       timestamp        DateTime64(3),
       event_type       String,
       request_id       String,
       seller           String,
       caller_package   String,
       ad_selection_id  Nullable(Int64),
       buyer            Nullable(String),
       render_uri       Nullable(String),
       bid              Float64,
       score            Float64,
       candidates       Int32,
       bids             Int32,
       latency_ms       Int64,
       result           String
   ) ENGINE=MergeTree() ORDER BY (event_type, timestamp)`

const insertEvent = `INSERT INTO auction_events (timestamp, event_type, request_id, seller, caller_package, ad_selection_id, buyer, render_uri, bid, score, candidates, bids, latency_ms, result) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InitClickHouse connects to ClickHouse and ensures the events table exists.
func InitClickHouse(dsn string, metrics observability.MetricsRegistry) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(25)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), createEventsTable); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return NewAnalytics(db, metrics), nil
}

// NewAnalytics wraps an open connection.
func NewAnalytics(db *sql.DB, metrics observability.MetricsRegistry) *Analytics {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Analytics{DB: db, Metrics: metrics}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordAuction inserts one auction row.
func (a *Analytics) RecordAuction(ctx context.Context, ev AuctionEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if _, err := a.DB.ExecContext(ctx, insertEvent,
		time.Now(), "auction", ev.RequestID, ev.Seller, ev.CallerPackage,
		nullInt64(ev.AdSelectionID), nullString(ev.Buyer), nullString(ev.RenderURI),
		ev.Bid, ev.Score, int32(ev.Candidates), int32(ev.Bids), ev.Latency.Milliseconds(), ev.Result,
	); err != nil {
		a.Metrics.IncrementAnalyticsErrors()
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", "auction"))
		return fmt.Errorf("insert auction event: %w", err)
	}
	return nil
}

// RecordInteraction inserts one interaction row for an ad selection.
func (a *Analytics) RecordInteraction(ctx context.Context, adSelectionID int64, caller string, eventType models.EventType) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if _, err := a.DB.ExecContext(ctx, insertEvent,
		time.Now(), string(eventType), "", "", caller,
		nullInt64(adSelectionID), nullString(""), nullString(""),
		0.0, 0.0, int32(0), int32(0), int64(0), "",
	); err != nil {
		a.Metrics.IncrementAnalyticsErrors()
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", string(eventType)))
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// GetEventsByAdSelectionID returns all events of one ad selection ordered by timestamp.
func (a *Analytics) GetEventsByAdSelectionID(ctx context.Context, id int64) ([]EventRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, event_type, request_id, seller, caller_package, ad_selection_id, buyer, render_uri, bid, score, candidates, bids, latency_ms, result FROM auction_events WHERE ad_selection_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Timestamp, &ev.EventType, &ev.RequestID, &ev.Seller, &ev.CallerPackage, &ev.AdSelectionID, &ev.Buyer, &ev.RenderURI, &ev.Bid, &ev.Score, &ev.Candidates, &ev.Bids, &ev.LatencyMs, &ev.Result); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}
