// Package conversation keeps the bounded per-session turn history the
// follow-up resolver reads from. State is in-process only; durable chat
// history is the chatlog/archive concern of the host.
package conversation

import (
	"sync"
	"time"

	"github.com/askdash/askdash/internal/intent"
	"github.com/askdash/askdash/internal/plan"
)

// ResultSummary carries row/column counts reported by the host after it
// executed a guarded query. Counts only, never row data.
type ResultSummary struct {
	Rows    int `json:"rows"`
	Columns int `json:"columns"`
}

// Turn is one exchange. Turns are immutable values; the store replaces a
// stored turn wholesale when the host backfills its result summary.
type Turn struct {
	ID            int64           `json:"id"`
	Utterance     string          `json:"utterance"`
	Intent        intent.Type     `json:"intent"`
	Plan          *plan.QueryPlan `json:"plan,omitempty"`
	GuardedSQL    string          `json:"guarded_sql,omitempty"`
	ResultSummary *ResultSummary  `json:"result_summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type session struct {
	mu     sync.Mutex
	turns  []Turn
	nextID int64
}

// Store holds the turn windows of all live sessions. Sessions are created
// lazily on first use and discarded with EndSession. The window is strict
// FIFO: once full, appending evicts the oldest turn.
type Store struct {
	mu       sync.Mutex
	window   int
	sessions map[string]*session
}

const DefaultWindow = 10

func NewStore(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{window: window, sessions: map[string]*session{}}
}

func (s *Store) get(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{nextID: 1}
		s.sessions[sessionID] = sess
	}
	return sess
}

// Append records a turn and returns it with its assigned id. Turn ids are
// monotonic within the session and keep growing across evictions.
func (s *Store) Append(sessionID string, turn Turn) Turn {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	turn.ID = sess.nextID
	sess.nextID++
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	sess.turns = append(sess.turns, turn)
	if len(sess.turns) > s.window {
		evicted := len(sess.turns) - s.window
		sess.turns = append([]Turn(nil), sess.turns[evicted:]...)
	}
	return turn
}

// LastTurnWithPlan walks the window newest-first and returns the most
// recent turn that carries a query plan.
func (s *Store) LastTurnWithPlan(sessionID string) (Turn, bool) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i := len(sess.turns) - 1; i >= 0; i-- {
		if sess.turns[i].Plan != nil {
			return sess.turns[i], true
		}
	}
	return Turn{}, false
}

// LastTurn returns the most recent turn regardless of content.
func (s *Store) LastTurn(sessionID string) (Turn, bool) {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.turns) == 0 {
		return Turn{}, false
	}
	return sess.turns[len(sess.turns)-1], true
}

// Window returns a copy of the retained turns, oldest first.
func (s *Store) Window(sessionID string) []Turn {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]Turn(nil), sess.turns...)
}

// RecordResultSummary attaches post-execution row/column counts to a turn.
// The stored turn is swapped for a copy; an evicted or unknown turn id is a
// no-op since the summary only matters while the turn is in the window.
func (s *Store) RecordResultSummary(sessionID string, turnID int64, summary ResultSummary) bool {
	sess := s.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i := range sess.turns {
		if sess.turns[i].ID == turnID {
			updated := sess.turns[i]
			updated.ResultSummary = &ResultSummary{Rows: summary.Rows, Columns: summary.Columns}
			sess.turns[i] = updated
			return true
		}
	}
	return false
}

// EndSession drops all state for a session and returns its final window.
func (s *Store) EndSession(sessionID string) []Turn {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]Turn(nil), sess.turns...)
}
