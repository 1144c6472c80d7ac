// Package journal reads the trading service's sqlite order journal.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Rajchodisetti/trading-gate/internal/audit"
	"github.com/Rajchodisetti/trading-gate/internal/tradingday"
)

// Order statuses that mean an order actually reached the broker.
var tradedStatuses = map[string]bool{
	"submitted": true,
	"filled":    true,
	"closed":    true,
}

type Entry struct {
	ClientOrderID string
	BrokerOrderID string
	Status        string
	Payload       string
	CreatedAt     time.Time
}

// Reader is a read-only handle on one journal file.
type Reader struct {
	db   *sql.DB
	path string
}

// Open opens path read-only. The file must already exist; sqlite would
// otherwise create an empty database.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &Reader{db: db, path: path}, nil
}

func (r *Reader) Close() error {
	return r.db.Close()
}

func (r *Reader) Path() string { return r.path }

// Entries returns every order ordered by creation time.
func (r *Reader) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT client_order_id, COALESCE(broker_order_id, ''), status, payload, created_at "+
			"FROM orders ORDER BY created_at, client_order_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query journal %s: %w", r.path, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ClientOrderID, &e.BrokerOrderID, &e.Status, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		// created_at is naive UTC isoformat.
		ts, ok := audit.ParseTimestamp(created)
		if !ok {
			return nil, fmt.Errorf("journal %s order %s: unparseable created_at %q", r.path, e.ClientOrderID, created)
		}
		e.CreatedAt = ts
		e.Status = strings.ToLower(e.Status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountTrades counts orders created on day (in loc) that reached the broker.
func (r *Reader) CountTrades(ctx context.Context, day tradingday.Day, loc *time.Location) (int, error) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if tradedStatuses[e.Status] && tradingday.For(e.CreatedAt, loc) == day {
			n++
		}
	}
	return n, nil
}

// Snapshot writes a consistent copy of the journal to dest, which must not exist.
func (r *Reader) Snapshot(ctx context.Context, dest string) error {
	if _, err := r.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to snapshot journal %s: %w", r.path, err)
	}
	return nil
}
