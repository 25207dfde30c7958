package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Binding maps a human alias to a hub within one chat
type Binding struct {
	ID        int       `json:"id"`
	ChatID    int64     `json:"chat_id"`
	HubID     string    `json:"hub_id"`
	Alias     string    `json:"alias"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic maps a sub-thread of a chat to a hub
type Topic struct {
	ChatID  int64  `json:"chat_id"`
	TopicID int64  `json:"topic_id"`
	HubID   string `json:"hub_id"`
}

// Session records the hub a chat is currently talking to
type Session struct {
	ChatID    int64     `json:"chat_id"`
	HubID     string    `json:"hub_id"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry records which hub a delivered platform message belonged to
type LedgerEntry struct {
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	HubID     string    `json:"hub_id"`
	Alias     string    `json:"alias"`
	Via       string    `json:"via"`
	CreatedAt time.Time `json:"created_at"`
}

// Store handles SQLite database operations
type Store struct {
	db *sql.DB
}

// New opens a database connection and ensures the schema exists
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bindings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			hub_id TEXT NOT NULL,
			alias TEXT NOT NULL,
			is_default INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(chat_id, alias),
			UNIQUE(chat_id, hub_id)
		)`,
		`CREATE TABLE IF NOT EXISTS topics (
			chat_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			hub_id TEXT NOT NULL,
			PRIMARY KEY(chat_id, topic_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			chat_id INTEGER PRIMARY KEY,
			hub_id TEXT NOT NULL,
			source TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ledger (
			message_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			hub_id TEXT NOT NULL,
			alias TEXT NOT NULL,
			via TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY(chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hub_tokens (
			hub_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			issued_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_chat_id ON bindings(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_chat_id ON ledger(chat_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Binding operations

// UpsertBinding creates or replaces the alias binding for a hub within a chat.
// When makeDefault is set, any previous default for the chat is cleared first.
func (s *Store) UpsertBinding(chatID int64, hubID, alias string, makeDefault bool) (*Binding, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if makeDefault {
		if _, err := tx.Exec(`UPDATE bindings SET is_default = 0 WHERE chat_id = ?`, chatID); err != nil {
			return nil, fmt.Errorf("failed to clear default binding: %w", err)
		}
	}

	isDefault := 0
	if makeDefault {
		isDefault = 1
	}

	query := `INSERT INTO bindings (chat_id, hub_id, alias, is_default) VALUES (?, ?, ?, ?)
			  ON CONFLICT(chat_id, hub_id) DO UPDATE SET alias = excluded.alias, is_default = excluded.is_default`
	if _, err := tx.Exec(query, chatID, hubID, alias, isDefault); err != nil {
		return nil, fmt.Errorf("failed to upsert binding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit binding: %w", err)
	}

	return s.GetBindingByHub(chatID, hubID)
}

// GetBindingByAlias looks up a binding by its alias within a chat
func (s *Store) GetBindingByAlias(chatID int64, alias string) (*Binding, error) {
	query := `SELECT id, chat_id, hub_id, alias, is_default, created_at FROM bindings
			  WHERE chat_id = ? AND alias = ?`
	return s.scanBinding(s.db.QueryRow(query, chatID, alias))
}

// GetBindingByHub looks up a binding by its hub id within a chat
func (s *Store) GetBindingByHub(chatID int64, hubID string) (*Binding, error) {
	query := `SELECT id, chat_id, hub_id, alias, is_default, created_at FROM bindings
			  WHERE chat_id = ? AND hub_id = ?`
	return s.scanBinding(s.db.QueryRow(query, chatID, hubID))
}

// GetDefaultBinding returns the chat's designated default binding
func (s *Store) GetDefaultBinding(chatID int64) (*Binding, error) {
	query := `SELECT id, chat_id, hub_id, alias, is_default, created_at FROM bindings
			  WHERE chat_id = ? AND is_default = 1`
	return s.scanBinding(s.db.QueryRow(query, chatID))
}

// ListBindings returns all bindings for a chat
func (s *Store) ListBindings(chatID int64) ([]*Binding, error) {
	query := `SELECT id, chat_id, hub_id, alias, is_default, created_at FROM bindings
			  WHERE chat_id = ? ORDER BY created_at ASC`

	rows, err := s.db.Query(query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		var b Binding
		var isDefault int
		if err := rows.Scan(&b.ID, &b.ChatID, &b.HubID, &b.Alias, &isDefault, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b.IsDefault = isDefault == 1
		bindings = append(bindings, &b)
	}

	return bindings, rows.Err()
}

// RenameBinding changes a binding's alias
func (s *Store) RenameBinding(chatID int64, oldAlias, newAlias string) error {
	result, err := s.db.Exec(`UPDATE bindings SET alias = ? WHERE chat_id = ? AND alias = ?`,
		newAlias, chatID, oldAlias)
	if err != nil {
		return fmt.Errorf("failed to rename binding: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDefaultBinding marks one binding as the chat's default
func (s *Store) SetDefaultBinding(chatID int64, hubID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE bindings SET is_default = 0 WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to clear default binding: %w", err)
	}

	result, err := tx.Exec(`UPDATE bindings SET is_default = 1 WHERE chat_id = ? AND hub_id = ?`, chatID, hubID)
	if err != nil {
		return fmt.Errorf("failed to set default binding: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// DeleteBinding removes a binding. Topic rows pointing at the hub are kept;
// the resolver validates topic hits against a live binding, so a dangling
// topic row behaves as a miss until the hub is bound again.
func (s *Store) DeleteBinding(chatID int64, hubID string) error {
	result, err := s.db.Exec(`DELETE FROM bindings WHERE chat_id = ? AND hub_id = ?`, chatID, hubID)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanBinding scans a single binding row
func (s *Store) scanBinding(row *sql.Row) (*Binding, error) {
	var b Binding
	var isDefault int
	err := row.Scan(&b.ID, &b.ChatID, &b.HubID, &b.Alias, &isDefault, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan binding: %w", err)
	}
	b.IsDefault = isDefault == 1
	return &b, nil
}

// Topic operations

// BindTopic maps a chat sub-thread to a hub
func (s *Store) BindTopic(chatID, topicID int64, hubID string) error {
	query := `INSERT INTO topics (chat_id, topic_id, hub_id) VALUES (?, ?, ?)
			  ON CONFLICT(chat_id, topic_id) DO UPDATE SET hub_id = excluded.hub_id`
	if _, err := s.db.Exec(query, chatID, topicID, hubID); err != nil {
		return fmt.Errorf("failed to bind topic: %w", err)
	}
	return nil
}

// UnbindTopic removes a sub-thread mapping
func (s *Store) UnbindTopic(chatID, topicID int64) error {
	if _, err := s.db.Exec(`DELETE FROM topics WHERE chat_id = ? AND topic_id = ?`, chatID, topicID); err != nil {
		return fmt.Errorf("failed to unbind topic: %w", err)
	}
	return nil
}

// GetTopic looks up a sub-thread mapping
func (s *Store) GetTopic(chatID, topicID int64) (*Topic, error) {
	var t Topic
	err := s.db.QueryRow(`SELECT chat_id, topic_id, hub_id FROM topics WHERE chat_id = ? AND topic_id = ?`,
		chatID, topicID).Scan(&t.ChatID, &t.TopicID, &t.HubID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return &t, nil
}

// Session operations

// SetSession records the hub a chat is currently talking to (last writer wins)
func (s *Store) SetSession(chatID int64, hubID, source string) error {
	query := `INSERT INTO sessions (chat_id, hub_id, source, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(chat_id) DO UPDATE SET hub_id = excluded.hub_id, source = excluded.source, updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, chatID, hubID, source); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// GetSession returns the chat's current session
func (s *Store) GetSession(chatID int64) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(`SELECT chat_id, hub_id, source, updated_at FROM sessions WHERE chat_id = ?`,
		chatID).Scan(&sess.ChatID, &sess.HubID, &sess.Source, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// Ledger operations

// AppendLedger records which hub handled a platform message. Append-once:
// re-inserting the same (chat, message) key is ignored.
func (s *Store) AppendLedger(entry *LedgerEntry) error {
	query := `INSERT INTO ledger (message_id, chat_id, hub_id, alias, via) VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(chat_id, message_id) DO NOTHING`
	if _, err := s.db.Exec(query, entry.MessageID, entry.ChatID, entry.HubID, entry.Alias, entry.Via); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// LookupLedger finds the ledger entry for a platform message
func (s *Store) LookupLedger(chatID, messageID int64) (*LedgerEntry, error) {
	var e LedgerEntry
	err := s.db.QueryRow(`SELECT message_id, chat_id, hub_id, alias, via, created_at FROM ledger
						  WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID).Scan(&e.MessageID, &e.ChatID, &e.HubID, &e.Alias, &e.Via, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup ledger entry: %w", err)
	}
	return &e, nil
}

// Hub token operations

// GetHubToken returns the hub's current bearer token
func (s *Store) GetHubToken(hubID string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM hub_tokens WHERE hub_id = ?`, hubID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get hub token: %w", err)
	}
	return token, nil
}

// SetHubToken replaces the hub's bearer token
func (s *Store) SetHubToken(hubID, token string) error {
	query := `INSERT INTO hub_tokens (hub_id, token, issued_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(hub_id) DO UPDATE SET token = excluded.token, issued_at = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, hubID, token); err != nil {
		return fmt.Errorf("failed to set hub token: %w", err)
	}
	return nil
}
