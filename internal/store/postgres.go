package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/leezencounter/leezen/internal/db"
	"github.com/leezencounter/leezen/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Table names match the schema the dashboard has used since its first release.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS ttn_data (
	id                   BIGSERIAL PRIMARY KEY,
	device_id            TEXT NOT NULL,
	received_at          TIMESTAMPTZ NOT NULL,
	confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	location             TEXT NOT NULL,
	timestamp            TIMESTAMPTZ NOT NULL,
	total_detected       INTEGER NOT NULL DEFAULT 0,
	predictions          JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (device_id, received_at)
);

CREATE INDEX IF NOT EXISTS idx_ttn_data_location_received ON ttn_data(location, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_ttn_data_timestamp ON ttn_data(timestamp DESC);

CREATE TABLE IF NOT EXISTS leezenbox (
	id                     BIGSERIAL PRIMARY KEY,
	name                   TEXT NOT NULL,
	address                TEXT NOT NULL,
	postcode               TEXT NOT NULL,
	city                   TEXT NOT NULL,
	latitude               DOUBLE PRECISION NOT NULL,
	longitude              DOUBLE PRECISION NOT NULL,
	num_lockers_with_power INTEGER NOT NULL DEFAULT 0,
	capacity               INTEGER NOT NULL CHECK (capacity >= 1),
	ttn_location_key       TEXT NOT NULL UNIQUE,
	demo                   BOOLEAN NOT NULL DEFAULT false,
	default_location       BOOLEAN NOT NULL DEFAULT false,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

var recordColumns = []string{
	"device_id", "received_at", "location", "timestamp",
	"total_detected", "predictions", "confidence_threshold",
}

const recordSelect = `SELECT id, device_id, received_at, location, timestamp, total_detected, predictions, confidence_threshold, created_at, updated_at FROM ttn_data`

var stationColumns = []string{
	"name", "address", "postcode", "city", "latitude", "longitude",
	"num_lockers_with_power", "capacity", "ttn_location_key", "demo", "default_location",
}

const stationSelect = `SELECT id, name, address, postcode, city, latitude, longitude, num_lockers_with_power, capacity, ttn_location_key, demo, default_location, created_at FROM leezenbox`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Detection records ---

func (s *PostgresStore) ExistingRecordKeys(ctx context.Context, keys []model.RecordKey) (map[model.RecordKey]bool, error) {
	existing := make(map[model.RecordKey]bool)
	if len(keys) == 0 {
		return existing, nil
	}

	devices := make([]string, len(keys))
	received := make([]time.Time, len(keys))
	for i, k := range keys {
		devices[i] = k.DeviceID
		received[i] = k.ReceivedAt
	}

	rows, err := s.pool.Query(ctx,
		`SELECT device_id, received_at FROM ttn_data
		 WHERE (device_id, received_at) IN (SELECT * FROM unnest($1::text[], $2::timestamptz[]))`,
		devices, received,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing record keys")
	}
	defer rows.Close()

	for rows.Next() {
		var deviceID string
		var receivedAt time.Time
		if err := rows.Scan(&deviceID, &receivedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record key")
		}
		existing[model.NewRecordKey(deviceID, receivedAt)] = true
	}
	return existing, eris.Wrap(rows.Err(), "postgres: existing record keys iterate")
}

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.DetectionRecord) (int64, error) {
	n, err := db.CopyRows(ctx, s.pool, "ttn_data", recordColumns, recs, func(r model.DetectionRecord) ([]any, error) {
		preds, err := marshalPredictions(r.Predictions)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal predictions for %s", r.Key())
		}
		return []any{
			r.DeviceID, r.ReceivedAt.UTC(), r.Location, r.Timestamp.UTC(),
			int32(r.TotalDetected), preds, r.ConfidenceThreshold,
		}, nil
	})
	return n, eris.Wrap(err, "postgres: insert records")
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, rec model.DetectionRecord) error {
	preds, err := marshalPredictions(rec.Predictions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal predictions")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ttn_data SET location = $3, timestamp = $4, total_detected = $5,
		 predictions = $6, confidence_threshold = $7, updated_at = now()
		 WHERE device_id = $1 AND received_at = $2`,
		rec.DeviceID, rec.ReceivedAt.UTC(), rec.Location, rec.Timestamp.UTC(),
		rec.TotalDetected, preds, rec.ConfidenceThreshold,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", rec.Key())
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %s", rec.Key())
	}
	return nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec model.DetectionRecord) (bool, error) {
	preds, err := marshalPredictions(rec.Predictions)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal predictions")
	}

	var inserted bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO ttn_data (device_id, received_at, location, timestamp, total_detected, predictions, confidence_threshold)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (device_id, received_at) DO UPDATE SET
		   location = EXCLUDED.location,
		   timestamp = EXCLUDED.timestamp,
		   total_detected = EXCLUDED.total_detected,
		   predictions = EXCLUDED.predictions,
		   confidence_threshold = EXCLUDED.confidence_threshold,
		   updated_at = now()
		 RETURNING (xmax = 0) AS inserted`,
		rec.DeviceID, rec.ReceivedAt.UTC(), rec.Location, rec.Timestamp.UTC(),
		rec.TotalDetected, preds, rec.ConfidenceThreshold,
	).Scan(&inserted)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert record %s", rec.Key())
	}
	return inserted, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.DetectionRecord, int, error) {
	where, args := recordConditions(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ttn_data`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count records")
	}

	query := recordSelect + where + fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	recs, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list records")
	}
	return recs, total, nil
}

func recordConditions(filter RecordFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		conds = append(conds, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if filter.Location != "" {
		args = append(args, filter.Location)
		conds = append(conds, fmt.Sprintf("location = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) RecordsSince(ctx context.Context, locations []string, since time.Time) ([]model.DetectionRecord, error) {
	query := recordSelect + ` WHERE received_at >= $1`
	args := []any{since.UTC()}
	if len(locations) > 0 {
		query += ` AND location = ANY($2)`
		args = append(args, locations)
	}
	query += ` ORDER BY received_at ASC`

	recs, err := s.queryRecords(ctx, query, args...)
	return recs, eris.Wrap(err, "postgres: records since")
}

func (s *PostgresStore) LatestRecord(ctx context.Context, location string) (*model.DetectionRecord, error) {
	row := s.pool.QueryRow(ctx, recordSelect+` WHERE location = $1 ORDER BY received_at DESC LIMIT 1`, location)
	rec, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest record for %s", location)
	}
	return rec, nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.DetectionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []model.DetectionRecord{}
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanPostgresRecord(row pgx.Row) (*model.DetectionRecord, error) {
	var r model.DetectionRecord
	var preds []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&r.ID, &r.DeviceID, &r.ReceivedAt, &r.Location, &r.Timestamp,
		&r.TotalDetected, &preds, &r.ConfidenceThreshold, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p, err := unmarshalPredictions(preds)
	if err != nil {
		return nil, err
	}
	r.Predictions = p
	r.ReceivedAt = r.ReceivedAt.UTC()
	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = &createdAt
	r.UpdatedAt = &updatedAt
	return &r, nil
}

// --- Stations ---

func (s *PostgresStore) CreateStation(ctx context.Context, st model.Station) (*model.Station, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO leezenbox (name, address, postcode, city, latitude, longitude, num_lockers_with_power, capacity, ttn_location_key, demo, default_location)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		stationArgs(st)...,
	).Scan(&st.ID, &st.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert station %s", st.Name)
	}
	return &st, nil
}

func (s *PostgresStore) GetStation(ctx context.Context, id int64) (*model.Station, error) {
	st, err := scanStation(s.pool.QueryRow(ctx, stationSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get station %d", id)
	}
	return st, nil
}

func (s *PostgresStore) ListStations(ctx context.Context) ([]model.Station, error) {
	rows, err := s.pool.Query(ctx, stationSelect+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stations")
	}
	defer rows.Close()

	stations := []model.Station{}
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan station")
		}
		stations = append(stations, *st)
	}
	return stations, eris.Wrap(rows.Err(), "postgres: list stations iterate")
}

func (s *PostgresStore) DeleteStation(ctx context.Context, id int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM leezenbox WHERE id = $1`, id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete station %d", id)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) UpsertStations(ctx context.Context, stations []model.Station) (int64, error) {
	rows := make([][]any, len(stations))
	for i, st := range stations {
		rows[i] = stationArgs(st)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertSpec{
		Table:         "leezenbox",
		Columns:       stationColumns,
		ConflictKeys:  []string{"ttn_location_key"},
		SkipUnchanged: true,
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert stations")
}

func stationArgs(st model.Station) []any {
	return []any{
		st.Name, st.Address, st.Postcode, st.City, st.Latitude, st.Longitude,
		st.NumLockersWithPower, st.Capacity, st.TTNLocationKey, st.Demo, st.DefaultLocation,
	}
}

func scanStation(row pgx.Row) (*model.Station, error) {
	var st model.Station
	err := row.Scan(&st.ID, &st.Name, &st.Address, &st.Postcode, &st.City, &st.Latitude, &st.Longitude,
		&st.NumLockersWithPower, &st.Capacity, &st.TTNLocationKey, &st.Demo, &st.DefaultLocation, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
