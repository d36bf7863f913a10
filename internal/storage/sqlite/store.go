// Package sqlite persists audited exchanges to a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/storage"
)

// Store is a SQLite implementation of ExchangeStore.
type Store struct {
	db *sql.DB
}

var (
	_ storage.ExchangeStore  = (*Store)(nil)
	_ storage.ExchangeReader = (*Store)(nil)
)

// New opens the database at dbPath and creates the schema if needed.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			client_key TEXT NOT NULL,
			user_agent TEXT,
			device TEXT,
			location TEXT,
			conversation_id TEXT NOT NULL,
			model TEXT NOT NULL,
			user_message TEXT NOT NULL,
			reply TEXT NOT NULL,
			raw_response TEXT,
			cached INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER,
			prompt_tokens INTEGER,
			reply_tokens INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_client ON exchanges(client_key)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_conversation ON exchanges(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// SaveExchange inserts one audited exchange.
func (s *Store) SaveExchange(ctx context.Context, rec *storage.ExchangeRecord) error {
	created := rec.Time
	if created.IsZero() {
		created = time.Now()
	}

	var raw any
	if len(rec.RawResponse) > 0 {
		raw = string(rec.RawResponse)
	}

	query := `INSERT INTO exchanges (
		id, client_key, user_agent, device, location, conversation_id, model,
		user_message, reply, raw_response, cached, attempts, duration_ns,
		prompt_tokens, reply_tokens, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Client.Key, rec.Client.UserAgent, rec.Device, rec.Location,
		rec.ConversationID, string(rec.Model), rec.UserMessage, rec.Reply, raw,
		boolToInt(rec.Cached), rec.Attempts, rec.Duration.Nanoseconds(),
		rec.PromptTokens, rec.ReplyTokens, created,
	)
	if err != nil {
		return fmt.Errorf("failed to save exchange: %w", err)
	}
	return nil
}

// GetExchange loads one exchange by id.
func (s *Store) GetExchange(ctx context.Context, id string) (*storage.ExchangeRecord, error) {
	row := s.db.QueryRowContext(ctx, selectExchange+` WHERE id = ?`, id)
	rec, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

// ListExchanges returns the most recent exchanges for a conversation, newest first.
func (s *Store) ListExchanges(ctx context.Context, conversationID string, limit int) ([]*storage.ExchangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		selectExchange+` WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var out []*storage.ExchangeRecord
	for rows.Next() {
		rec, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectExchange = `SELECT id, client_key, user_agent, device, location, conversation_id,
	model, user_message, reply, raw_response, cached, attempts, duration_ns,
	prompt_tokens, reply_tokens, created_at FROM exchanges`

type scanner interface {
	Scan(dest ...any) error
}

func scanExchange(row scanner) (*storage.ExchangeRecord, error) {
	var (
		rec        storage.ExchangeRecord
		model      string
		userAgent  sql.NullString
		device     sql.NullString
		location   sql.NullString
		raw        sql.NullString
		cached     int
		durationNs sql.NullInt64
		prompt     sql.NullInt64
		reply      sql.NullInt64
	)

	err := row.Scan(&rec.ID, &rec.Client.Key, &userAgent, &device, &location,
		&rec.ConversationID, &model, &rec.UserMessage, &rec.Reply, &raw, &cached,
		&rec.Attempts, &durationNs, &prompt, &reply, &rec.Time)
	if err != nil {
		return nil, err
	}

	rec.Model = domain.ProviderID(model)
	rec.Client.UserAgent = userAgent.String
	rec.Device = device.String
	rec.Location = location.String
	if raw.Valid {
		rec.RawResponse = []byte(raw.String)
	}
	rec.Cached = cached != 0
	rec.Duration = time.Duration(durationNs.Int64)
	rec.PromptTokens = int(prompt.Int64)
	rec.ReplyTokens = int(reply.Int64)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
