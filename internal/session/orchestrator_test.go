package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askdash/askdash/internal/conversation"
	"github.com/askdash/askdash/internal/followup"
	"github.com/askdash/askdash/internal/guard"
	"github.com/askdash/askdash/internal/intent"
	"github.com/askdash/askdash/internal/metadata"
	"github.com/askdash/askdash/internal/plan"
	"github.com/askdash/askdash/internal/sqlgen"
)

type fakeGenerator struct {
	sql      string
	err      error
	lastPlan *plan.QueryPlan
}

func (f *fakeGenerator) Generate(ctx context.Context, req sqlgen.Request) (sqlgen.Result, error) {
	f.lastPlan = req.Plan
	if f.err != nil {
		return sqlgen.Result{}, f.err
	}
	return sqlgen.Result{SQL: f.sql, Provider: "fake", Model: "fake-1"}, nil
}

func testCatalog() metadata.Catalog {
	schema := plan.NewSchema(map[string][]string{
		"cases": {"id", "district", "region", "status", "created_at", "beneficiary_phone"},
	})
	return metadata.NewStaticCatalog(schema, map[string]struct{}{
		"cases.beneficiary_phone": {},
	})
}

func newTestOrchestrator(generator *fakeGenerator) *Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(
		conversation.NewStore(10),
		followup.Resolver{DateColumn: "created_at"},
		testCatalog(),
		generator,
		guard.Config{DefaultLimit: 500, MaxLimit: 2000},
		logger,
	)
}

func freshPlan() *plan.QueryPlan {
	return &plan.QueryPlan{
		Tables:  []string{"cases"},
		GroupBy: []string{"district"},
		Metrics: []plan.Metric{{Expr: "COUNT(*)", Alias: "total"}},
		Limit:   500,
	}
}

func queryClassification() intent.Classification {
	return intent.Classification{Intent: intent.QueryWithSQL, Confidence: 0.9, Reason: "data question"}
}

func TestHandleTurnProducesGuardedSQL(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT district, COUNT(*) AS total FROM cases GROUP BY district"}
	orchestrator := newTestOrchestrator(generator)

	outcome, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "cases by district",
		Classification: queryClassification(),
		Plan:           freshPlan(),
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusSQLReady {
		t.Fatalf("Status = %q", outcome.Status)
	}
	if !strings.Contains(outcome.SQL, "LIMIT 500") {
		t.Fatalf("SQL = %q, missing injected limit", outcome.SQL)
	}
	if outcome.Turn.GuardedSQL != outcome.SQL {
		t.Fatal("recorded turn does not carry the guarded SQL")
	}
	if outcome.Turn.ID != 1 {
		t.Fatalf("Turn.ID = %d", outcome.Turn.ID)
	}
}

func TestHandleTurnRejectsUnsafeSQL(t *testing.T) {
	generator := &fakeGenerator{sql: "DROP TABLE cases"}
	orchestrator := newTestOrchestrator(generator)

	outcome, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "delete everything",
		Classification: queryClassification(),
		Plan:           freshPlan(),
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusRejected {
		t.Fatalf("Status = %q", outcome.Status)
	}
	if outcome.Verdict.Reason != guard.ReasonNotSelect {
		t.Fatalf("Reason = %q", outcome.Verdict.Reason)
	}
	if outcome.Turn.GuardedSQL != "" {
		t.Fatal("rejected turn must not carry SQL")
	}
	// The turn is still part of history.
	if history := orchestrator.History("s1"); len(history) != 1 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestHandleTurnMergesFollowUp(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT district, COUNT(*) AS total FROM cases GROUP BY district LIMIT 500"}
	orchestrator := newTestOrchestrator(generator)

	if _, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "cases by district",
		Classification: queryClassification(),
		Plan:           freshPlan(),
	}); err != nil {
		t.Fatalf("first HandleTurn() error = %v", err)
	}

	outcome, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance: "now split by region",
		Classification: intent.Classification{
			Intent:     intent.FollowUpSQL,
			Confidence: 0.9,
			Reason:     "modifies prior query",
		},
		Instruction: &followup.Instruction{Kind: followup.AddDimension, Column: "region"},
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusSQLReady {
		t.Fatalf("Status = %q (%s)", outcome.Status, outcome.Message)
	}
	if !outcome.FollowUp.IsFollowUp || outcome.FollowUp.Kind != followup.AddDimension {
		t.Fatalf("FollowUp = %+v", outcome.FollowUp)
	}
	groupBy := generator.lastPlan.GroupBy
	if len(groupBy) != 2 || groupBy[0] != "district" || groupBy[1] != "region" {
		t.Fatalf("merged GroupBy = %v", groupBy)
	}
}

func TestHandleTurnDowngradesFollowUpWithoutPrior(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT 1"}
	orchestrator := newTestOrchestrator(generator)

	outcome, err := orchestrator.HandleTurn(context.Background(), "fresh-session", TurnRequest{
		Utterance: "now split by region",
		Classification: intent.Classification{
			Intent:     intent.FollowUpSQL,
			Confidence: 0.9,
			Reason:     "claims follow-up",
		},
		Instruction: &followup.Instruction{Kind: followup.AddDimension, Column: "region"},
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusNoQuery {
		t.Fatalf("Status = %q", outcome.Status)
	}
	if !outcome.FollowUp.Downgraded {
		t.Fatal("decision should be downgraded")
	}
	if outcome.Message == "" {
		t.Fatal("downgrade should carry a user-facing message")
	}
}

func TestHandleTurnExplainPriorUsesContextOnly(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT district, COUNT(*) AS total FROM cases GROUP BY district LIMIT 500"}
	orchestrator := newTestOrchestrator(generator)

	first, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "cases by district",
		Classification: queryClassification(),
		Plan:           freshPlan(),
	})
	if err != nil {
		t.Fatalf("first HandleTurn() error = %v", err)
	}
	orchestrator.RecordResult("s1", first.Turn.ID, conversation.ResultSummary{Rows: 9, Columns: 2})

	outcome, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance: "what does that mean?",
		Classification: intent.Classification{
			Intent:     intent.FollowUpContext,
			Confidence: 0.8,
			Reason:     "asks about prior result",
		},
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusContextOnly {
		t.Fatalf("Status = %q", outcome.Status)
	}
	if outcome.Prior == nil || outcome.Prior.ResultSummary == nil || outcome.Prior.ResultSummary.Rows != 9 {
		t.Fatalf("Prior = %+v", outcome.Prior)
	}
	if outcome.Turn.Plan != nil {
		t.Fatal("context-only turn must not carry a plan")
	}
}

func TestHandleTurnRejectsInvalidPlan(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT 1"}
	orchestrator := newTestOrchestrator(generator)

	badPlan := freshPlan()
	badPlan.GroupBy = []string{"no_such_column"}

	outcome, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "cases by mystery column",
		Classification: queryClassification(),
		Plan:           badPlan,
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusPlanInvalid {
		t.Fatalf("Status = %q", outcome.Status)
	}
	if generator.lastPlan != nil {
		t.Fatal("generator must not be called for an invalid plan")
	}
}

func TestHandleTurnSmallTalkRecordsNoQuery(t *testing.T) {
	orchestrator := newTestOrchestrator(&fakeGenerator{sql: "SELECT 1"})

	outcome, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance: "hello there",
		Classification: intent.Classification{
			Intent:     intent.SmallTalk,
			Confidence: 0.95,
			Reason:     "greeting",
		},
	})
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if outcome.Status != StatusNoQuery {
		t.Fatalf("Status = %q", outcome.Status)
	}
	if history := orchestrator.History("s1"); len(history) != 1 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestHandleTurnPropagatesGeneratorFailure(t *testing.T) {
	generator := &fakeGenerator{err: errors.New("upstream down")}
	orchestrator := newTestOrchestrator(generator)

	_, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "cases by district",
		Classification: queryClassification(),
		Plan:           freshPlan(),
	})
	if err == nil {
		t.Fatal("expected generator error")
	}
	// Failed generations are not recorded as turns.
	if history := orchestrator.History("s1"); len(history) != 0 {
		t.Fatalf("history length = %d", len(history))
	}
}

func TestHandleTurnRequiresSessionID(t *testing.T) {
	orchestrator := newTestOrchestrator(&fakeGenerator{sql: "SELECT 1"})
	if _, err := orchestrator.HandleTurn(context.Background(), "", TurnRequest{}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

// gatedGenerator blocks its first Generate call until released and tracks
// how many calls run at the same time.
type gatedGenerator struct {
	entered chan struct{}
	release chan struct{}

	mu          sync.Mutex
	first       bool
	inFlight    int
	maxInFlight int
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		first:   true,
	}
}

func (g *gatedGenerator) Generate(ctx context.Context, req sqlgen.Request) (sqlgen.Result, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	wait := g.first
	g.first = false
	g.mu.Unlock()

	if wait {
		close(g.entered)
		<-g.release
	} else {
		time.Sleep(2 * time.Millisecond)
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return sqlgen.Result{SQL: "SELECT district, COUNT(*) AS total FROM cases GROUP BY district LIMIT 500", Provider: "fake", Model: "fake-1"}, nil
}

func (g *gatedGenerator) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

// An EndSession racing queued turns must not leave one turn on the removed
// mutex while a later turn starts on a fresh one: turns within a session
// stay strictly serial across the session lifecycle boundary.
func TestEndSessionKeepsTurnsSerialized(t *testing.T) {
	for i := 0; i < 25; i++ {
		generator := newGatedGenerator()
		orchestrator := NewOrchestrator(
			conversation.NewStore(10),
			followup.Resolver{DateColumn: "created_at"},
			testCatalog(),
			generator,
			guard.Config{DefaultLimit: 500, MaxLimit: 2000},
			slog.New(slog.NewTextHandler(io.Discard, nil)),
		)

		var wg sync.WaitGroup
		turn := func() {
			defer wg.Done()
			if _, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
				Utterance:      "cases by district",
				Classification: queryClassification(),
				Plan:           freshPlan(),
			}); err != nil {
				t.Errorf("HandleTurn() error = %v", err)
			}
		}

		// First turn enters the generator and holds the session lock.
		wg.Add(1)
		go turn()
		<-generator.entered

		// An EndSession and a second turn queue on the same lock.
		wg.Add(2)
		go func() {
			defer wg.Done()
			orchestrator.EndSession("s1")
		}()
		go turn()
		time.Sleep(time.Millisecond)

		// A third turn may arrive after EndSession replaced the lock entry.
		wg.Add(1)
		go turn()
		close(generator.release)
		wg.Wait()

		if got := generator.max(); got != 1 {
			t.Fatalf("iteration %d: %d turns of one session ran concurrently", i, got)
		}
	}
}

func TestEndSessionReturnsTranscript(t *testing.T) {
	generator := &fakeGenerator{sql: "SELECT district, COUNT(*) AS total FROM cases GROUP BY district LIMIT 500"}
	orchestrator := newTestOrchestrator(generator)

	if _, err := orchestrator.HandleTurn(context.Background(), "s1", TurnRequest{
		Utterance:      "cases by district",
		Classification: queryClassification(),
		Plan:           freshPlan(),
	}); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	turns := orchestrator.EndSession("s1")
	if len(turns) != 1 {
		t.Fatalf("transcript length = %d", len(turns))
	}
	if history := orchestrator.History("s1"); len(history) != 0 {
		t.Fatal("session state survived EndSession")
	}
}
