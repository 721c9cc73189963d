package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"codeask/internal/anthropic"
	"codeask/internal/logging"
)

// Store persists conversation transcripts in SQLite. Message payloads are
// zstd-compressed JSON; transcripts grow append-only per conversation.
type Store struct {
	conn    *sql.DB
	logger  *logging.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenStore opens or creates the transcript database at dbPath
func OpenStore(dbPath string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{conn: conn, logger: logger, encoder: encoder, decoder: decoder}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript_turns (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_created
		ON transcript_turns(created_at);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// AppendTurns stores the given turns starting at sequence number startSeq.
// Re-appending an existing (conversation, seq) pair is a no-op so retried
// updates stay idempotent.
func (s *Store) AppendTurns(conversationID string, startSeq int, turns []anthropic.Message) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO transcript_turns
		(conversation_id, seq, role, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, turn := range turns {
		raw, err := json.Marshal(turn.Content)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		payload := s.encoder.EncodeAll(raw, nil)
		if _, err := stmt.Exec(conversationID, startSeq+i, turn.Role, payload, now); err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}
	return tx.Commit()
}

// LoadTranscript returns all stored turns of a conversation in order
func (s *Store) LoadTranscript(conversationID string) ([]anthropic.Message, error) {
	rows, err := s.conn.Query(`
		SELECT role, payload FROM transcript_turns
		WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var out []anthropic.Message
	for rows.Next() {
		var role string
		var payload []byte
		if err := rows.Scan(&role, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		raw, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress turn: %w", err)
		}
		var content []anthropic.ContentBlock
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		out = append(out, anthropic.Message{Role: role, Content: content})
	}
	return out, rows.Err()
}

// PruneBefore deletes turns older than the cutoff and reports how many
// rows were removed
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM transcript_turns WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transcripts: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database and compression resources
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.conn.Close()
}
