// Package destination talks to the Postgres database of the destination
// homeserver.
package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const driver = "pgx"

var sqlOpen = sql.Open

// Destination is a handle on the destination database
type Destination struct {
	db *sql.DB
}

// Open connects using the pgx stdlib driver and verifies connectivity
func Open(ctx context.Context, dsn string) (*Destination, error) {
	if dsn == "" {
		return nil, errors.New("destination DSN is empty")
	}
	db, err := sqlOpen(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach destination: %w", err)
	}
	return &Destination{db: db}, nil
}

// NewWithDB wraps an already open database
func NewWithDB(db *sql.DB) *Destination {
	return &Destination{db: db}
}

// Close releases the connection pool
func (d *Destination) Close() error {
	return d.db.Close()
}

// MaxStreamOrdering returns the highest stream ordering already used, so
// that appended events sort after existing history.
func (d *Destination) MaxStreamOrdering(ctx context.Context) (int64, error) {
	var maxOrdering sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(stream_ordering) FROM events").Scan(&maxOrdering); err != nil {
		return 0, fmt.Errorf("failed to read max stream ordering: %w", err)
	}
	return maxOrdering.Int64, nil
}

// RoomExists reports whether the rooms table has a row for roomID
func (d *Destination) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE room_id = $1", roomID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up room %s: %w", roomID, err)
	}
	return n > 0, nil
}

// Apply runs a migration batch. The batch carries its own BEGIN and
// COMMIT; a failure rolls the open transaction back.
func (d *Destination) Apply(ctx context.Context, script string) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, script); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return nil
}
