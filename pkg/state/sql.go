package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/simforge/simforge/pkg/apierrors"
)

// sqlStore adapts the document interface onto a single-table relational
// schema. The upsert statement is the only backend-specific piece.
type sqlStore struct {
	db     *sql.DB
	upsert string
	pg     bool
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (collection, key)
)`

// OpenSQLite opens (and migrates) a SQLite-backed store at the given path.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc's driver is not safe for concurrent writers over multiple
	// connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}
	return &sqlStore{
		db: db,
		upsert: `INSERT INTO documents (collection, key, value) VALUES (?, ?, ?)
			ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value`,
	}, nil
}

// OpenPostgres opens (and migrates) a PostgreSQL-backed store.
func OpenPostgres(dsn string) (Store, error) {
	if dsn == "" {
		return nil, apierrors.Validation("postgres backend needs a dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &sqlStore{
		db: db,
		upsert: `INSERT INTO documents (collection, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value`,
		pg: true,
	}, nil
}

func (s *sqlStore) Put(ctx context.Context, collection, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(s.upsert), collection, key, string(raw)); err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, collection, key string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM documents WHERE collection = ? AND key = ?`),
		collection, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return apierrors.NotFound("document", collection+"/"+key)
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM documents WHERE collection = ? AND key = ?`),
		collection, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT key, value FROM documents WHERE collection = ?`), collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out[key] = json.RawMessage(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return out, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $N for postgres.
func (s *sqlStore) rebind(query string) string {
	if !s.pg {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
