package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Interaction is one logged turn. Logging is best effort and never blocks
// the conversation: callers treat failures as warnings.
type Interaction struct {
	SessionID    string
	TurnID       int64
	Utterance    string
	Intent       string
	GeneratedSQL string
	GuardReason  string
	Outcome      string
	RowCount     int
	Duration     time.Duration
}

type Logger struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLogger(db *sql.DB, logger *slog.Logger) *Logger {
	return &Logger{db: db, logger: logger}
}

func (l *Logger) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS chat_logs`,
		`CREATE TABLE IF NOT EXISTS chat_logs.interactions (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_id INT NOT NULL,
	utterance TEXT NOT NULL,
	intent TEXT NOT NULL,
	generated_sql TEXT,
	guard_reason TEXT,
	outcome TEXT NOT NULL,
	row_count INT,
	duration_ms BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
	for _, statement := range statements {
		if _, err := l.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure chat log schema: %w", err)
		}
	}
	return nil
}

// LogInteraction records one turn. Errors are logged and swallowed so a
// broken log store never fails user requests.
func (l *Logger) LogInteraction(ctx context.Context, in Interaction) {
	query := `
INSERT INTO chat_logs.interactions (session_id, turn_id, utterance, intent, generated_sql, guard_reason, outcome, row_count, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := l.db.ExecContext(ctx, query,
		in.SessionID,
		in.TurnID,
		in.Utterance,
		in.Intent,
		in.GeneratedSQL,
		in.GuardReason,
		in.Outcome,
		in.RowCount,
		in.Duration.Milliseconds(),
	)
	if err != nil && l.logger != nil {
		l.logger.WarnContext(ctx, "chat_log_write_failed",
			slog.String("session_id", in.SessionID),
			slog.Int64("turn_id", in.TurnID),
			slog.String("error", err.Error()),
		)
	}
}
