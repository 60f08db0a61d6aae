package sqlgen

import (
	"context"

	"github.com/askdash/askdash/internal/plan"
)

// Request carries everything the external generator needs to produce SQL
// for one turn. The plan is authoritative; the utterance is context only.
type Request struct {
	Utterance string          `json:"utterance"`
	Plan      *plan.QueryPlan `json:"plan"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Generator produces candidate SQL for a resolved plan. Implementations
// must not execute the SQL they return; the guard decides what runs.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
