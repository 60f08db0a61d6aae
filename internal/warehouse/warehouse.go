package warehouse

import (
	"context"
	"time"
)

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	RowCount int
	Duration time.Duration
}

// Engine runs guard-approved SQL against a warehouse. Implementations
// receive normalized SQL only and never rewrite it.
type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
