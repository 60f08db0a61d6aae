package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/askdash/askdash/internal/conversation"
	"github.com/askdash/askdash/internal/intent"
	"github.com/askdash/askdash/internal/plan"
)

func sampleTurns() []conversation.Turn {
	created := time.Date(2026, time.August, 30, 10, 0, 0, 0, time.UTC)
	return []conversation.Turn{
		{
			ID:        1,
			Utterance: "cases by district",
			Intent:    intent.QueryWithSQL,
			Plan: &plan.QueryPlan{
				Tables:  []string{"cases"},
				GroupBy: []string{"district"},
				Metrics: []plan.Metric{{Expr: "COUNT(*)", Alias: "total"}},
				Limit:   500,
			},
			GuardedSQL:    "SELECT district, COUNT(*) AS total FROM cases GROUP BY district LIMIT 500",
			ResultSummary: &conversation.ResultSummary{Rows: 12, Columns: 2},
			CreatedAt:     created,
		},
		{
			ID:        2,
			Utterance: "thanks",
			Intent:    intent.SmallTalk,
			CreatedAt: created.Add(time.Minute),
		},
	}
}

func TestEncodeTurnsRoundTrip(t *testing.T) {
	data, err := EncodeTurns("s1", sampleTurns())
	if err != nil {
		t.Fatalf("EncodeTurns() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}

	reader := parquet.NewGenericReader[turnRecord](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()
	rows := make([]turnRecord, 2)
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("reader.Read() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0].SessionID != "s1" || rows[0].TurnID != 1 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if !strings.Contains(rows[0].PlanJSON, `"group_by":["district"]`) {
		t.Fatalf("PlanJSON = %q", rows[0].PlanJSON)
	}
	if rows[0].ResultRows != 12 {
		t.Fatalf("ResultRows = %d", rows[0].ResultRows)
	}
	if rows[1].PlanJSON != "" {
		t.Fatalf("planless turn PlanJSON = %q", rows[1].PlanJSON)
	}
}

func TestEncodeTurnsRequiresTurns(t *testing.T) {
	if _, err := EncodeTurns("s1", nil); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestBuildTranscriptPath(t *testing.T) {
	at := time.Date(2026, time.August, 30, 23, 59, 0, 0, time.UTC)
	got := BuildTranscriptPath("sess-1", 7, at)
	want := "sessions/date=2026-08-30/sess-1-7.parquet"
	if got != want {
		t.Fatalf("BuildTranscriptPath() = %q, want %q", got, want)
	}
	if path := BuildTranscriptPath("../evil/../x", 1, at); strings.Contains(path, "..") {
		t.Fatalf("path traversal survived: %q", path)
	}
}

type fakeStore struct {
	key  string
	size int64
	err  error
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error) {
	if f.err != nil {
		return ObjectInfo{}, f.err
	}
	f.key = key
	f.size = size
	return ObjectInfo{Key: key, Size: size}, nil
}

func TestArchiveSessionUploadsTranscript(t *testing.T) {
	store := &fakeStore{}
	archiver := NewArchiver(store, nil)
	archiver.now = func() time.Time { return time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC) }

	key, err := archiver.ArchiveSession(context.Background(), "s1", sampleTurns())
	if err != nil {
		t.Fatalf("ArchiveSession() error = %v", err)
	}
	if key != "sessions/date=2026-08-30/s1-2.parquet" {
		t.Fatalf("key = %q", key)
	}
	if store.size == 0 {
		t.Fatal("no bytes uploaded")
	}
}

func TestArchiveSessionSkipsEmptyTranscript(t *testing.T) {
	store := &fakeStore{}
	archiver := NewArchiver(store, nil)
	key, err := archiver.ArchiveSession(context.Background(), "s1", nil)
	if err != nil {
		t.Fatalf("ArchiveSession() error = %v", err)
	}
	if key != "" || store.key != "" {
		t.Fatal("empty transcript should not upload")
	}
}

func TestArchiveSessionPropagatesUploadErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("bucket gone")}
	archiver := NewArchiver(store, nil)
	if _, err := archiver.ArchiveSession(context.Background(), "s1", sampleTurns()); err == nil {
		t.Fatal("expected upload error")
	}
}
