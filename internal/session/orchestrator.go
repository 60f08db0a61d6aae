// Package session ties the turn pipeline together: resolve the follow-up
// claim, validate the plan against the live schema, hand the plan to the
// external SQL generator, run the guard, and record the turn. The
// orchestrator never executes SQL and never retries a rejected query; it
// hands the verdict back to the caller and stops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/askdash/askdash/internal/conversation"
	"github.com/askdash/askdash/internal/followup"
	"github.com/askdash/askdash/internal/guard"
	"github.com/askdash/askdash/internal/intent"
	"github.com/askdash/askdash/internal/metadata"
	"github.com/askdash/askdash/internal/observability"
	"github.com/askdash/askdash/internal/plan"
	"github.com/askdash/askdash/internal/sqlgen"
)

type Status string

const (
	StatusSQLReady    Status = "sql_ready"
	StatusRejected    Status = "rejected"
	StatusContextOnly Status = "context_only"
	StatusNoQuery     Status = "no_query"
	StatusPlanInvalid Status = "plan_invalid"
)

// TurnRequest is one incoming utterance with the classifier's verdict and,
// when the planner produced them, a normalized follow-up instruction and a
// fresh query plan.
type TurnRequest struct {
	Utterance      string
	Classification intent.Classification
	Instruction    *followup.Instruction
	Plan           *plan.QueryPlan
}

// Outcome is the orchestrator's answer for one turn. SQL is set only when
// Status is sql_ready; Prior is set only for context_only turns.
type Outcome struct {
	Status   Status
	Turn     conversation.Turn
	SQL      string
	Verdict  guard.Verdict
	FollowUp followup.Decision
	Prior    *conversation.Turn
	Message  string
}

type Orchestrator struct {
	store     *conversation.Store
	resolver  followup.Resolver
	catalog   metadata.Catalog
	generator sqlgen.Generator
	guardCfg  guard.Config
	logger    *slog.Logger

	// Turns within one session are serialized so concurrent requests
	// cannot interleave resolve and record. The store's own locks are not
	// reentrant, so the orchestrator keeps its own keyed mutexes.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewOrchestrator(store *conversation.Store, resolver followup.Resolver, catalog metadata.Catalog, generator sqlgen.Generator, guardCfg guard.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		resolver:  resolver,
		catalog:   catalog,
		generator: generator,
		guardCfg:  guardCfg,
		logger:    logger,
		locks:     map[string]*sync.Mutex{},
	}
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sessionID] = lock
	}
	return lock
}

// acquireSessionLock locks the session's mutex and verifies it is still the
// mutex registered for the session. EndSession removes lock entries, so a
// waiter can win a mutex that no longer guards anything; holding it alongside
// the replacement would let two turns of one session run at once.
func (o *Orchestrator) acquireSessionLock(sessionID string) *sync.Mutex {
	for {
		lock := o.sessionLock(sessionID)
		lock.Lock()
		o.locksMu.Lock()
		current := o.locks[sessionID]
		o.locksMu.Unlock()
		if current == lock {
			return lock
		}
		lock.Unlock()
	}
}

// HandleTurn runs the full pipeline for one utterance. It returns an error
// only for infrastructure failures (schema lookup, SQL generation); every
// safety decision is expressed in the Outcome instead.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID string, req TurnRequest) (Outcome, error) {
	if sessionID == "" {
		return Outcome{}, fmt.Errorf("session id is required")
	}
	lock := o.acquireSessionLock(sessionID)
	defer lock.Unlock()

	start := time.Now()
	outcome, err := o.handleLocked(ctx, sessionID, req)
	if err != nil {
		return Outcome{}, err
	}

	observability.ObserveTurn(string(outcome.Status), time.Since(start))
	o.logger.InfoContext(ctx, "turn_handled",
		slog.String("session_id", sessionID),
		slog.String("intent", string(req.Classification.Intent)),
		slog.String("status", string(outcome.Status)),
		slog.Int64("turn_id", outcome.Turn.ID),
		slog.String("duration", time.Since(start).String()),
	)
	return outcome, nil
}

func (o *Orchestrator) handleLocked(ctx context.Context, sessionID string, req TurnRequest) (Outcome, error) {
	var prior *conversation.Turn
	if turn, ok := o.store.LastTurnWithPlan(sessionID); ok {
		prior = &turn
	}

	decision, err := o.resolver.Resolve(req.Classification, req.Instruction, prior)
	if err != nil {
		turn := o.record(sessionID, req, nil, "")
		return Outcome{
			Status:  StatusPlanInvalid,
			Turn:    turn,
			Message: err.Error(),
		}, nil
	}
	if decision.IsFollowUp || decision.Downgraded {
		observability.IncrementFollowUpDecision(followUpMetricKind(decision))
	}

	if decision.UsePriorContext {
		turn := o.record(sessionID, req, nil, "")
		return Outcome{
			Status:   StatusContextOnly,
			Turn:     turn,
			FollowUp: decision,
			Prior:    prior,
		}, nil
	}

	activePlan := req.Plan
	if decision.MergedPlan != nil {
		activePlan = decision.MergedPlan
	}
	if activePlan == nil {
		turn := o.record(sessionID, req, nil, "")
		message := ""
		if decision.Downgraded {
			message = "could not link this to the previous question; please restate it as a full question"
		}
		return Outcome{
			Status:   StatusNoQuery,
			Turn:     turn,
			FollowUp: decision,
			Message:  message,
		}, nil
	}

	schema, err := o.catalog.SchemaFor(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load warehouse schema: %w", err)
	}
	if err := activePlan.Validate(schema); err != nil {
		turn := o.record(sessionID, req, nil, "")
		return Outcome{
			Status:   StatusPlanInvalid,
			Turn:     turn,
			FollowUp: decision,
			Message:  err.Error(),
		}, nil
	}

	genStart := time.Now()
	generated, err := o.generator.Generate(ctx, sqlgen.Request{
		Utterance: req.Utterance,
		Plan:      activePlan,
	})
	observability.ObserveSQLGeneration(time.Since(genStart))
	if err != nil {
		return Outcome{}, fmt.Errorf("generate sql: %w", err)
	}

	piiColumns, err := o.catalog.PIIColumns(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load pii columns: %w", err)
	}
	verdict := guard.Validate(generated.SQL, piiColumns, o.guardCfg)
	if !verdict.Accepted {
		observability.IncrementGuardRejection(string(verdict.Reason))
		turn := o.record(sessionID, req, activePlan, "")
		return Outcome{
			Status:   StatusRejected,
			Turn:     turn,
			Verdict:  verdict,
			FollowUp: decision,
			Message:  verdict.Message,
		}, nil
	}
	for _, info := range verdict.Info {
		if info == guard.ReasonMissingLimitAutoFix || info == guard.ReasonLimitExceedsMax {
			observability.IncrementGuardLimitAutoFixed()
		}
	}

	turn := o.record(sessionID, req, activePlan, verdict.NormalizedSQL)
	return Outcome{
		Status:   StatusSQLReady,
		Turn:     turn,
		SQL:      verdict.NormalizedSQL,
		Verdict:  verdict,
		FollowUp: decision,
	}, nil
}

func (o *Orchestrator) record(sessionID string, req TurnRequest, activePlan *plan.QueryPlan, guardedSQL string) conversation.Turn {
	var planCopy *plan.QueryPlan
	if activePlan != nil {
		cloned := activePlan.Clone()
		planCopy = &cloned
	}
	return o.store.Append(sessionID, conversation.Turn{
		Utterance:  req.Utterance,
		Intent:     req.Classification.Intent,
		Plan:       planCopy,
		GuardedSQL: guardedSQL,
	})
}

func followUpMetricKind(decision followup.Decision) string {
	if decision.Downgraded {
		return "downgraded"
	}
	return string(decision.Kind)
}

// RecordResult backfills execution counts onto a recorded turn after the
// host ran the guarded SQL.
func (o *Orchestrator) RecordResult(sessionID string, turnID int64, summary conversation.ResultSummary) bool {
	return o.store.RecordResultSummary(sessionID, turnID, summary)
}

// History returns the retained window for a session, oldest first.
func (o *Orchestrator) History(sessionID string) []conversation.Turn {
	return o.store.Window(sessionID)
}

// EndSession drops session state and returns the final window so the host
// can archive it. The lock entry is removed while the lock is still held, so
// queued waiters see the stale entry and re-acquire on the replacement.
func (o *Orchestrator) EndSession(sessionID string) []conversation.Turn {
	lock := o.acquireSessionLock(sessionID)
	turns := o.store.EndSession(sessionID)

	o.locksMu.Lock()
	delete(o.locks, sessionID)
	o.locksMu.Unlock()

	lock.Unlock()
	return turns
}
