package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/askdash/askdash/internal/conversation"
)

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error)
}

type turnRecord struct {
	SessionID       string `parquet:"session_id"`
	TurnID          int64  `parquet:"turn_id"`
	Utterance       string `parquet:"utterance"`
	Intent          string `parquet:"intent"`
	PlanJSON        string `parquet:"plan_json"`
	GuardedSQL      string `parquet:"guarded_sql"`
	ResultRows      int    `parquet:"result_rows"`
	ResultColumns   int    `parquet:"result_columns"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

// EncodeTurns serializes a session transcript as a single parquet buffer.
func EncodeTurns(sessionID string, turns []conversation.Turn) ([]byte, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("turns are required")
	}

	rows := make([]turnRecord, 0, len(turns))
	for _, turn := range turns {
		record := turnRecord{
			SessionID:       sessionID,
			TurnID:          turn.ID,
			Utterance:       turn.Utterance,
			Intent:          string(turn.Intent),
			GuardedSQL:      turn.GuardedSQL,
			CreatedAtUnixMs: turn.CreatedAt.UnixMilli(),
		}
		if turn.Plan != nil {
			planJSON, err := json.Marshal(turn.Plan)
			if err != nil {
				return nil, fmt.Errorf("marshal plan for turn %d: %w", turn.ID, err)
			}
			record.PlanJSON = string(planJSON)
		}
		if turn.ResultSummary != nil {
			record.ResultRows = turn.ResultSummary.Rows
			record.ResultColumns = turn.ResultSummary.Columns
		}
		rows = append(rows, record)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[turnRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildTranscriptPath places transcripts under a date partition so
// downstream scans can prune by day.
func BuildTranscriptPath(sessionID string, lastTurnID int64, at time.Time) string {
	return fmt.Sprintf("sessions/date=%s/%s-%d.parquet",
		at.UTC().Format("2006-01-02"),
		sanitizeSessionID(sessionID),
		lastTurnID,
	)
}

func sanitizeSessionID(sessionID string) string {
	sessionID = strings.ReplaceAll(sessionID, "/", "_")
	sessionID = strings.ReplaceAll(sessionID, "..", "_")
	if sessionID == "" {
		return "session"
	}
	return sessionID
}

// Archiver persists ended sessions to object storage. Archival is best
// effort: a failed upload is logged and reported but the session is gone
// from memory either way.
type Archiver struct {
	store  ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

func NewArchiver(store ObjectStore, logger *slog.Logger) *Archiver {
	return &Archiver{store: store, logger: logger, now: time.Now}
}

func (a *Archiver) ArchiveSession(ctx context.Context, sessionID string, turns []conversation.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	data, err := EncodeTurns(sessionID, turns)
	if err != nil {
		return "", err
	}
	key := BuildTranscriptPath(sessionID, turns[len(turns)-1].ID, a.now())
	info, err := a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/vnd.apache.parquet")
	if err != nil {
		return "", fmt.Errorf("upload transcript %q: %w", key, err)
	}
	if a.logger != nil {
		a.logger.InfoContext(ctx, "session_archived",
			slog.String("session_id", sessionID),
			slog.String("object_key", info.Key),
			slog.Int64("bytes", info.Size),
			slog.Int("turns", len(turns)),
		)
	}
	return key, nil
}
