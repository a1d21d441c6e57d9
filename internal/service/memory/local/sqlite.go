package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_items (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL,
	embedding  TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS memory_items_user ON memory_items(user_id);
CREATE TABLE IF NOT EXISTS memory_categories (
	user_id    TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, agent_id)
);`

// SQLiteStore persists metadata in a SQLite file through modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc 驱动下单连接可避免 "database is locked"
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveItems(ctx context.Context, items []StoredItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO memory_items (id, user_id, agent_id, role, summary, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		var embedding sql.NullString
		if len(item.Embedding) > 0 {
			data, err := json.Marshal(item.Embedding)
			if err != nil {
				return fmt.Errorf("marshal embedding: %w", err)
			}
			embedding = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, item.ID, item.UserID, item.AgentID, item.Role, item.Summary, embedding, item.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadItems(ctx context.Context) ([]StoredItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, agent_id, role, summary, embedding, created_at FROM memory_items ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var items []StoredItem
	for rows.Next() {
		var (
			item      StoredItem
			embedding sql.NullString
			created   string
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.AgentID, &item.Role, &item.Summary, &embedding, &created); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &item.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding of %s: %w", item.ID, err)
			}
		}
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) UpsertCategory(ctx context.Context, c StoredCategory) error {
	updated := c.UpdatedAt.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_categories (user_id, agent_id, name, summary, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, agent_id) DO UPDATE SET name = excluded.name, summary = excluded.summary, updated_at = excluded.updated_at`,
		c.UserID, c.AgentID, c.Name, c.Summary, updated, updated)
	if err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Category(ctx context.Context, userID, agentID string) (StoredCategory, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, summary, updated_at FROM memory_categories WHERE user_id = ? AND agent_id = ?`, userID, agentID)

	c := StoredCategory{UserID: userID, AgentID: agentID}
	var updated string
	if err := row.Scan(&c.Name, &c.Summary, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StoredCategory{}, false, nil
		}
		return StoredCategory{}, false, fmt.Errorf("query category: %w", err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return c, true, nil
}

// Categories returns a user's categories in creation order.
func (s *SQLiteStore) Categories(ctx context.Context, userID string) ([]StoredCategory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, name, summary, updated_at FROM memory_categories WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []StoredCategory
	for rows.Next() {
		c := StoredCategory{UserID: userID}
		var updated string
		if err := rows.Scan(&c.AgentID, &c.Name, &c.Summary, &updated); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
