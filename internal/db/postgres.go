package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS custom_audiences (
    owner TEXT NOT NULL,
    buyer TEXT NOT NULL,
    name TEXT NOT NULL,
    activation_time TIMESTAMPTZ NULL,
    expiration_time TIMESTAMPTZ NULL,
    bidding_logic_uri TEXT NOT NULL,
    user_bidding_signals JSONB,
    trusted_bidding_uri TEXT,
    trusted_bidding_keys TEXT[],
    ads JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (owner, buyer, name)
);

CREATE TABLE IF NOT EXISTS ad_selections (
    ad_selection_id BIGINT PRIMARY KEY,
    caller_package TEXT NOT NULL,
    seller TEXT NOT NULL,
    buyer TEXT NOT NULL,
    custom_audience_owner TEXT,
    custom_audience_name TEXT,
    winning_ad_render_uri TEXT NOT NULL,
    winning_bid DOUBLE PRECISION NOT NULL,
    winning_score DOUBLE PRECISION NOT NULL,
    ad_counter_keys TEXT[],
    bidding_logic_uri TEXT,
    buyer_decision_logic_script TEXT,
    seller_decision_logic_uri TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_custom_audiences_buyer ON custom_audiences (buyer);
CREATE INDEX IF NOT EXISTS idx_ad_selections_caller ON ad_selections (caller_package);
CREATE INDEX IF NOT EXISTS idx_ad_selections_created_at ON ad_selections (created_at);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema() error {
	ctx := context.Background()
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const customAudienceColumns = `owner, buyer, name, activation_time, expiration_time, bidding_logic_uri, user_bidding_signals, trusted_bidding_uri, trusted_bidding_keys, ads`

// LoadCustomAudiences retrieves every stored custom audience.
func (p *Postgres) LoadCustomAudiences(ctx context.Context) ([]models.CustomAudience, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+customAudienceColumns+` FROM custom_audiences ORDER BY buyer, owner, name`)
	if err != nil {
		return nil, fmt.Errorf("query custom audiences: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	return scanCustomAudiences(rows)
}

// ActiveCustomAudiences retrieves the audiences of the given buyers active at now.
func (p *Postgres) ActiveCustomAudiences(ctx context.Context, buyers []string, now time.Time) ([]models.CustomAudience, error) {
	if len(buyers) == 0 {
		return nil, nil
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT `+customAudienceColumns+` FROM custom_audiences
        WHERE buyer = ANY($1)
          AND (activation_time IS NULL OR activation_time <= $2)
          AND (expiration_time IS NULL OR expiration_time > $2)
        ORDER BY buyer, owner, name`, pq.Array(buyers), now)
	if err != nil {
		return nil, fmt.Errorf("query active custom audiences: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	return scanCustomAudiences(rows)
}

func scanCustomAudiences(rows *sql.Rows) ([]models.CustomAudience, error) {
	var out []models.CustomAudience
	for rows.Next() {
		var ca models.CustomAudience
		var activation, expiration sql.NullTime
		var signals, trustedURI sql.NullString
		var trustedKeys pq.StringArray
		var ads []byte
		if err := rows.Scan(&ca.Owner, &ca.Buyer, &ca.Name, &activation, &expiration, &ca.BiddingLogicURI, &signals, &trustedURI, &trustedKeys, &ads); err != nil {
			return nil, fmt.Errorf("scan custom audience: %w", err)
		}
		if activation.Valid {
			ca.ActivationTime = activation.Time
		}
		if expiration.Valid {
			ca.ExpirationTime = expiration.Time
		}
		if signals.Valid {
			ca.UserBiddingSignals = json.RawMessage(signals.String)
		}
		if trustedURI.Valid && trustedURI.String != "" {
			ca.TrustedBiddingData = &models.TrustedBiddingData{URI: trustedURI.String, Keys: []string(trustedKeys)}
		}
		if len(ads) > 0 {
			if err := json.Unmarshal(ads, &ca.Ads); err != nil {
				return nil, fmt.Errorf("parse ads for %s/%s: %w", ca.Buyer, ca.Name, err)
			}
		}
		out = append(out, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpsertCustomAudience inserts a custom audience or replaces the stored one.
func (p *Postgres) UpsertCustomAudience(ctx context.Context, ca models.CustomAudience) error {
	ads, err := json.Marshal(ca.Ads)
	if err != nil {
		return fmt.Errorf("encode ads: %w", err)
	}
	var signals sql.NullString
	if len(ca.UserBiddingSignals) > 0 {
		signals = sql.NullString{String: string(ca.UserBiddingSignals), Valid: true}
	}
	var trustedURI sql.NullString
	var trustedKeys []string
	if ca.TrustedBiddingData != nil {
		trustedURI = nullString(ca.TrustedBiddingData.URI)
		trustedKeys = ca.TrustedBiddingData.Keys
	}
	_, err = p.DB.ExecContext(ctx, `INSERT INTO custom_audiences (`+customAudienceColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (owner, buyer, name) DO UPDATE SET
            activation_time = EXCLUDED.activation_time,
            expiration_time = EXCLUDED.expiration_time,
            bidding_logic_uri = EXCLUDED.bidding_logic_uri,
            user_bidding_signals = EXCLUDED.user_bidding_signals,
            trusted_bidding_uri = EXCLUDED.trusted_bidding_uri,
            trusted_bidding_keys = EXCLUDED.trusted_bidding_keys,
            ads = EXCLUDED.ads`,
		ca.Owner, ca.Buyer, ca.Name, nullTime(ca.ActivationTime), nullTime(ca.ExpirationTime), ca.BiddingLogicURI,
		signals, trustedURI, pq.Array(trustedKeys), ads)
	if err != nil {
		return fmt.Errorf("upsert custom audience: %w", err)
	}
	return nil
}

// DeleteCustomAudience removes a custom audience. models.ErrNotFound is
// returned when no row matched.
func (p *Postgres) DeleteCustomAudience(ctx context.Context, owner, buyer, name string) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM custom_audiences WHERE owner=$1 AND buyer=$2 AND name=$3`, owner, buyer, name)
	if err != nil {
		return fmt.Errorf("delete custom audience: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

const winnerColumns = `ad_selection_id, caller_package, seller, buyer, custom_audience_owner, custom_audience_name, winning_ad_render_uri, winning_bid, winning_score, ad_counter_keys, bidding_logic_uri, buyer_decision_logic_script, seller_decision_logic_uri, created_at`

// InsertWinnerRecord persists the winner of a completed auction.
func (p *Postgres) InsertWinnerRecord(ctx context.Context, r models.WinnerRecord) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO ad_selections (`+winnerColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.AdSelectionID, r.CallerPackage, r.Seller, r.Buyer,
		nullString(r.CustomAudienceOwner), nullString(r.CustomAudienceName),
		r.WinningAdRenderURI, r.WinningBid, r.WinningScore, pq.Array([]string(r.AdCounterKeys)),
		nullString(r.BiddingLogicURI), nullString(r.BuyerDecisionLogicScript), nullString(r.SellerDecisionLogicURI),
		r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert winner record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWinnerRecord(row rowScanner) (models.WinnerRecord, error) {
	var r models.WinnerRecord
	var owner, name, biddingURI, script, sellerURI sql.NullString
	var keys pq.StringArray
	if err := row.Scan(&r.AdSelectionID, &r.CallerPackage, &r.Seller, &r.Buyer, &owner, &name,
		&r.WinningAdRenderURI, &r.WinningBid, &r.WinningScore, &keys,
		&biddingURI, &script, &sellerURI, &r.CreatedAt); err != nil {
		return r, err
	}
	r.CustomAudienceOwner = owner.String
	r.CustomAudienceName = name.String
	r.BiddingLogicURI = biddingURI.String
	r.BuyerDecisionLogicScript = script.String
	r.SellerDecisionLogicURI = sellerURI.String
	if len(keys) > 0 {
		r.AdCounterKeys = models.AdCounterKeys(keys)
	}
	return r, nil
}

// GetWinnerRecord loads one persisted winner. models.ErrNotFound is returned
// when the id is unknown.
func (p *Postgres) GetWinnerRecord(ctx context.Context, adSelectionID int64) (models.WinnerRecord, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+winnerColumns+` FROM ad_selections WHERE ad_selection_id=$1`, adSelectionID)
	r, err := scanWinnerRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WinnerRecord{}, models.ErrNotFound
	}
	if err != nil {
		return models.WinnerRecord{}, fmt.Errorf("get winner record: %w", err)
	}
	return r, nil
}

// LoadWinnerRecords loads the caller's persisted winners among ids. Unknown ids
// and records owned by other callers are skipped. Records are returned in the
// order of ids.
func (p *Postgres) LoadWinnerRecords(ctx context.Context, caller string, ids []int64) ([]models.WinnerRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT `+winnerColumns+` FROM ad_selections WHERE caller_package=$1 AND ad_selection_id = ANY($2)`, caller, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query winner records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	byID := make(map[int64]models.WinnerRecord, len(ids))
	for rows.Next() {
		r, err := scanWinnerRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan winner record: %w", err)
		}
		byID[r.AdSelectionID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	out := make([]models.WinnerRecord, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
			delete(byID, id)
		}
	}
	return out, nil
}

// DeleteWinnerRecordsBefore removes winners persisted before cutoff.
func (p *Postgres) DeleteWinnerRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM ad_selections WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete winner records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
