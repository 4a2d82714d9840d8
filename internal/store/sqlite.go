package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/leezencounter/leezen/internal/model"
)

// sqliteTimeLayout is fixed-width so lexical order equals chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteKeyChunk bounds the number of row values per existence query.
const sqliteKeyChunk = 200

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ttn_data (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id            TEXT NOT NULL,
	received_at          TEXT NOT NULL,
	confidence_threshold REAL NOT NULL DEFAULT 0.5,
	location             TEXT NOT NULL,
	timestamp            TEXT NOT NULL,
	total_detected       INTEGER NOT NULL DEFAULT 0,
	predictions          TEXT NOT NULL DEFAULT '[]',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL,
	UNIQUE (device_id, received_at)
);

CREATE INDEX IF NOT EXISTS idx_ttn_data_location_received ON ttn_data(location, received_at);
CREATE INDEX IF NOT EXISTS idx_ttn_data_timestamp ON ttn_data(timestamp);

CREATE TABLE IF NOT EXISTS leezenbox (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	name                   TEXT NOT NULL,
	address                TEXT NOT NULL,
	postcode               TEXT NOT NULL,
	city                   TEXT NOT NULL,
	latitude               REAL NOT NULL,
	longitude              REAL NOT NULL,
	num_lockers_with_power INTEGER NOT NULL DEFAULT 0,
	capacity               INTEGER NOT NULL CHECK (capacity >= 1),
	ttn_location_key       TEXT NOT NULL UNIQUE,
	demo                   INTEGER NOT NULL DEFAULT 0,
	default_location       INTEGER NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t.UTC(), nil
}

// --- Detection records ---

func (s *SQLiteStore) ExistingRecordKeys(ctx context.Context, keys []model.RecordKey) (map[model.RecordKey]bool, error) {
	existing := make(map[model.RecordKey]bool)

	for start := 0; start < len(keys); start += sqliteKeyChunk {
		end := min(start+sqliteKeyChunk, len(keys))
		chunk := keys[start:end]

		values := make([]string, len(chunk))
		args := make([]any, 0, 2*len(chunk))
		for i, k := range chunk {
			values[i] = "(?, ?)"
			args = append(args, k.DeviceID, formatTime(k.ReceivedAt))
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT device_id, received_at FROM ttn_data WHERE (device_id, received_at) IN (VALUES `+strings.Join(values, ", ")+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing record keys")
		}

		for rows.Next() {
			var deviceID, receivedAt string
			if err := rows.Scan(&deviceID, &receivedAt); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan record key")
			}
			t, err := parseTime(receivedAt)
			if err != nil {
				rows.Close() //nolint:errcheck
				return nil, err
			}
			existing[model.NewRecordKey(deviceID, t)] = true
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing record keys iterate")
		}
	}
	return existing, nil
}

const sqliteInsertRecord = `INSERT INTO ttn_data (device_id, received_at, location, timestamp, total_detected, predictions, confidence_threshold, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.DetectionRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertRecord)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close() //nolint:errcheck

	now := formatTime(time.Now())
	for _, r := range recs {
		preds, err := marshalPredictions(r.Predictions)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: marshal predictions for %s", r.Key())
		}
		if _, err := stmt.ExecContext(ctx,
			r.DeviceID, formatTime(r.ReceivedAt), r.Location, formatTime(r.Timestamp),
			r.TotalDetected, string(preds), r.ConfidenceThreshold, now, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", r.Key())
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert records")
	}
	return int64(len(recs)), nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec model.DetectionRecord) error {
	preds, err := marshalPredictions(rec.Predictions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal predictions")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ttn_data SET location = ?, timestamp = ?, total_detected = ?, predictions = ?,
		 confidence_threshold = ?, updated_at = ? WHERE device_id = ? AND received_at = ?`,
		rec.Location, formatTime(rec.Timestamp), rec.TotalDetected, string(preds),
		rec.ConfidenceThreshold, formatTime(time.Now()), rec.DeviceID, formatTime(rec.ReceivedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", rec.Key())
	}
	return checkRowsAffected(res, "record", rec.Key().String())
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec model.DetectionRecord) (bool, error) {
	preds, err := marshalPredictions(rec.Predictions)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal predictions")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin upsert record")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ttn_data WHERE device_id = ? AND received_at = ?)`,
		rec.DeviceID, formatTime(rec.ReceivedAt),
	).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "sqlite: check record %s", rec.Key())
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		sqliteInsertRecord+`
		ON CONFLICT (device_id, received_at) DO UPDATE SET
		  location = excluded.location,
		  timestamp = excluded.timestamp,
		  total_detected = excluded.total_detected,
		  predictions = excluded.predictions,
		  confidence_threshold = excluded.confidence_threshold,
		  updated_at = excluded.updated_at`,
		rec.DeviceID, formatTime(rec.ReceivedAt), rec.Location, formatTime(rec.Timestamp),
		rec.TotalDetected, string(preds), rec.ConfidenceThreshold, now, now,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert record %s", rec.Key())
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit upsert record")
	}
	return !exists, nil
}

const sqliteRecordSelect = `SELECT id, device_id, received_at, location, timestamp, total_detected, predictions, confidence_threshold, created_at, updated_at FROM ttn_data`

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.DetectionRecord, int, error) {
	var conds []string
	var args []any
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Location != "" {
		conds = append(conds, "location = ?")
		args = append(args, filter.Location)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ttn_data`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count records")
	}

	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))
	recs, err := s.queryRecords(ctx, sqliteRecordSelect+where+` ORDER BY timestamp DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list records")
	}
	return recs, total, nil
}

func (s *SQLiteStore) RecordsSince(ctx context.Context, locations []string, since time.Time) ([]model.DetectionRecord, error) {
	query := sqliteRecordSelect + ` WHERE received_at >= ?`
	args := []any{formatTime(since)}
	if len(locations) > 0 {
		query += ` AND location IN (?` + strings.Repeat(", ?", len(locations)-1) + `)`
		for _, l := range locations {
			args = append(args, l)
		}
	}
	query += ` ORDER BY received_at ASC`

	recs, err := s.queryRecords(ctx, query, args...)
	return recs, eris.Wrap(err, "sqlite: records since")
}

func (s *SQLiteStore) LatestRecord(ctx context.Context, location string) (*model.DetectionRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteRecordSelect+` WHERE location = ? ORDER BY received_at DESC LIMIT 1`, location)
	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: latest record for %s", location)
	}
	return rec, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	recs := []model.DetectionRecord{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (*model.DetectionRecord, error) {
	var r model.DetectionRecord
	var receivedAt, timestamp, preds, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.DeviceID, &receivedAt, &r.Location, &timestamp,
		&r.TotalDetected, &preds, &r.ConfidenceThreshold, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if r.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	if r.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = &created
	r.UpdatedAt = &updated

	if r.Predictions, err = unmarshalPredictions([]byte(preds)); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Stations ---

const sqliteStationSelect = `SELECT id, name, address, postcode, city, latitude, longitude, num_lockers_with_power, capacity, ttn_location_key, demo, default_location, created_at FROM leezenbox`

func (s *SQLiteStore) CreateStation(ctx context.Context, st model.Station) (*model.Station, error) {
	st.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leezenbox (name, address, postcode, city, latitude, longitude, num_lockers_with_power, capacity, ttn_location_key, demo, default_location, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append(stationArgs(st), formatTime(st.CreatedAt))...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert station %s", st.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: station id")
	}
	st.ID = id
	return &st, nil
}

func (s *SQLiteStore) GetStation(ctx context.Context, id int64) (*model.Station, error) {
	st, err := scanSQLiteStation(s.db.QueryRowContext(ctx, sqliteStationSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get station %d", id)
	}
	return st, nil
}

func (s *SQLiteStore) ListStations(ctx context.Context) ([]model.Station, error) {
	rows, err := s.db.QueryContext(ctx, sqliteStationSelect+` ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stations")
	}
	defer rows.Close() //nolint:errcheck

	stations := []model.Station{}
	for rows.Next() {
		st, err := scanSQLiteStation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan station")
		}
		stations = append(stations, *st)
	}
	return stations, eris.Wrap(rows.Err(), "sqlite: list stations iterate")
}

func (s *SQLiteStore) DeleteStation(ctx context.Context, id int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leezenbox WHERE id = ?`, id)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete station %d", id)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) UpsertStations(ctx context.Context, stations []model.Station) (int64, error) {
	if len(stations) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert stations")
	}
	defer tx.Rollback() //nolint:errcheck

	now := formatTime(time.Now())
	var written int64
	for _, st := range stations {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO leezenbox (name, address, postcode, city, latitude, longitude, num_lockers_with_power, capacity, ttn_location_key, demo, default_location, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (ttn_location_key) DO UPDATE SET
			   name = excluded.name,
			   address = excluded.address,
			   postcode = excluded.postcode,
			   city = excluded.city,
			   latitude = excluded.latitude,
			   longitude = excluded.longitude,
			   num_lockers_with_power = excluded.num_lockers_with_power,
			   capacity = excluded.capacity,
			   demo = excluded.demo,
			   default_location = excluded.default_location
			 WHERE (name, address, postcode, city, latitude, longitude, num_lockers_with_power, capacity, demo, default_location)
			   IS NOT (excluded.name, excluded.address, excluded.postcode, excluded.city, excluded.latitude, excluded.longitude,
			           excluded.num_lockers_with_power, excluded.capacity, excluded.demo, excluded.default_location)`,
			append(stationArgs(st), now)...,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert station %s", st.TTNLocationKey)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: upsert stations rows affected")
		}
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert stations")
	}
	return written, nil
}

func scanSQLiteStation(row scannable) (*model.Station, error) {
	var st model.Station
	var createdAt string
	err := row.Scan(&st.ID, &st.Name, &st.Address, &st.Postcode, &st.City, &st.Latitude, &st.Longitude,
		&st.NumLockersWithPower, &st.Capacity, &st.TTNLocationKey, &st.Demo, &st.DefaultLocation, &createdAt)
	if err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
