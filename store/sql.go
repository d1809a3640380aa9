package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"embeddedtest/logger"
	"embeddedtest/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQL stores deliveries through database/sql. Queries are written with
// Postgres placeholders and rebound for SQLite.
type SQL struct {
	DB     *sql.DB
	driver string
}

// NewSQL opens dsn with driver and creates the deliveries table.
func NewSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time, otherwise concurrent inserts hit SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	s := &SQL{DB: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	logger.Info("sql delivery store initialized", logger.FieldKV("driver", driver))
	return s, nil
}

func (s *SQL) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		ts = "DATETIME"
	}
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS deliveries (
  message_id TEXT PRIMARY KEY,
  topic TEXT NOT NULL,
  partition_id INTEGER NOT NULL,
  record_offset BIGINT NOT NULL,
  record_key TEXT NOT NULL,
  record_value TEXT NOT NULL,
  record_timestamp `+ts+` NOT NULL,
  received_at `+ts+` NOT NULL
);
`)
	return err
}

func (s *SQL) InsertDelivery(ctx context.Context, d models.Delivery) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO deliveries
  (message_id, topic, partition_id, record_offset, record_key, record_value, record_timestamp, received_at)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
  ON CONFLICT (message_id) DO NOTHING`),
		d.MessageID, d.Topic, d.Partition, d.Offset, d.Key, d.Value, d.Timestamp.UTC(), d.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert delivery %s: %w", d.MessageID, err)
	}
	return nil
}

func (s *SQL) ListDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	q := `SELECT message_id, topic, partition_id, record_offset, record_key, record_value, record_timestamp, received_at
  FROM deliveries ORDER BY received_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []models.Delivery{}
	for rows.Next() {
		var d models.Delivery
		if err := rows.Scan(&d.MessageID, &d.Topic, &d.Partition, &d.Offset, &d.Key, &d.Value, &d.Timestamp, &d.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) Ping(ctx context.Context) error {
	if s.DB == nil {
		return ErrNotInitialized
	}
	return s.DB.PingContext(ctx)
}

func (s *SQL) Close(context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

func (s *SQL) rebind(q string) string {
	if s.driver != DriverSQLite {
		return q
	}
	return placeholder.ReplaceAllString(q, "?$1")
}
