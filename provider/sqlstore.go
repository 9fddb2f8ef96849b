package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/vitwit/ivxp/types"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const maxUpdateConflicts = 5

// SQLStore keeps orders in a SQL database, one JSON document per row.
// Concurrent updates are serialized by an optimistic version check.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens dsn with driver ("sqlite" or "postgres") and creates
// the orders table when missing.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, types.Errorf(types.ErrConfigError, "unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}

	s, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			version    BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create orders table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) Create(ctx context.Context, order *types.Order) error {
	cp := order.Clone()
	cp.Version = 1
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	if _, err := s.Get(ctx, order.ID); err == nil {
		return types.Errorf(types.ErrInvalidRequest, "order %s already exists", order.ID)
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO orders (id, status, data, version, updated_at) VALUES (?, ?, ?, ?, ?)`),
		cp.ID, string(cp.Status), string(data), cp.Version, cp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.Order, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM orders WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}

	var o types.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", id, err)
	}
	return &o, nil
}

func (s *SQLStore) Update(ctx context.Context, id string, fn func(*types.Order) error) (*types.Order, error) {
	for i := 0; i < maxUpdateConflicts; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		if err := types.CheckImmutable(cur, next); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode order: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			s.rebind(`UPDATE orders SET status = ?, data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`),
			string(next.Status), string(data), next.Version, time.Now().UnixMilli(), id, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to update order %s: %w", id, err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, types.Errorf(types.ErrServiceUnavailable, "order %s: too many concurrent updates", id)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
