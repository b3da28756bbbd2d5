package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

type DB struct {
	conn   *sql.DB
	driver string
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gateway_logs (
	id BIGSERIAL PRIMARY KEY,
	model TEXT NOT NULL,
	bucket TEXT NOT NULL,
	credential_id TEXT NOT NULL DEFAULT '',
	stream BOOLEAN NOT NULL DEFAULT FALSE,
	attempts INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_gateway_logs_created ON gateway_logs(created_at DESC);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS gateway_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	bucket TEXT NOT NULL,
	credential_id TEXT NOT NULL DEFAULT '',
	stream BOOLEAN NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_gateway_logs_created ON gateway_logs(created_at DESC);
`

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// New opens the request log database. driver is "postgres" or "sqlite";
// for sqlite the URL is a file path.
func New(driver, databaseURL string) (*DB, error) {
	if driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(databaseURL), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if driver == "sqlite" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := postgresSchema
	if db.driver == "sqlite" {
		schema = sqliteSchema
	}
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// rebind rewrites $N placeholders for drivers that expect '?'
func (db *DB) rebind(query string) string {
	if db.driver != "sqlite" {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := db.rebind(`
		INSERT INTO gateway_logs (
			model, bucket, credential_id, stream, attempts, latency_ms, status_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)

	_, err := db.conn.ExecContext(ctx,
		query,
		log.Model,
		log.Bucket,
		log.CredentialID,
		log.Stream,
		log.Attempts,
		log.LatencyMs,
		log.StatusCode,
		log.ErrorMessage,
	)

	return err
}

// RecentLogs returns the latest request log entries, newest first
func (db *DB) RecentLogs(ctx context.Context, limit int) ([]models.GatewayLog, error) {
	query := db.rebind(`
		SELECT id, model, bucket, credential_id, stream, attempts, latency_ms, status_code, error_message, created_at
		FROM gateway_logs
		ORDER BY id DESC
		LIMIT $1
	`)

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var logs []models.GatewayLog
	for rows.Next() {
		var entry models.GatewayLog
		if err := rows.Scan(
			&entry.ID,
			&entry.Model,
			&entry.Bucket,
			&entry.CredentialID,
			&entry.Stream,
			&entry.Attempts,
			&entry.LatencyMs,
			&entry.StatusCode,
			&entry.ErrorMessage,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
