package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tacitdev/tacit/pkg/models"
)

// CheckpointStore persists conversation snapshots to SQLite. The on-disk
// format serializes messages losslessly as JSON; nothing in the core
// depends on it being present.
type CheckpointStore struct {
	db *sql.DB
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	token_count   INTEGER NOT NULL,
	messages      TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// OpenCheckpointStore opens (creating if needed) a checkpoint database at
// path. Use ":memory:" for tests.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Close releases the database handle.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// Save upserts a snapshot of the conversation.
func (s *CheckpointStore) Save(ctx context.Context, c *Conversation) error {
	messages := c.Messages()
	blob, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("serialize messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, model, system_prompt, state, token_count, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			state = excluded.state,
			token_count = excluded.token_count,
			messages = excluded.messages,
			updated_at = excluded.updated_at`,
		c.ID(), c.Model(), c.SystemPrompt(), string(c.State()),
		c.TokenCount(), string(blob), time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID(), err)
	}
	return nil
}

// Load restores a conversation snapshot by id.
func (s *CheckpointStore) Load(ctx context.Context, id string) (*Conversation, error) {
	var (
		model, systemPrompt, state, blob string
		tokenCount                       int
		createdAt, updatedAt             time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT model, system_prompt, state, token_count, messages, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&model, &systemPrompt, &state, &tokenCount, &blob, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	var messages []*models.Message
	if err := json.Unmarshal([]byte(blob), &messages); err != nil {
		return nil, fmt.Errorf("deserialize messages for %s: %w", id, err)
	}

	c := New(model)
	c.mu.Lock()
	c.id = id
	c.systemPrompt = systemPrompt
	c.state = State(state)
	c.createdAt = createdAt
	c.updatedAt = updatedAt
	c.mu.Unlock()
	c.replace(messages)
	return c, nil
}

// CheckpointInfo is a row in the checkpoint listing.
type CheckpointInfo struct {
	ID         string
	Model      string
	TokenCount int
	UpdatedAt  time.Time
}

// List returns checkpoint metadata newest first.
func (s *CheckpointStore) List(ctx context.Context) ([]CheckpointInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, token_count, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		var info CheckpointInfo
		if err := rows.Scan(&info.ID, &info.Model, &info.TokenCount, &info.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes a checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}
