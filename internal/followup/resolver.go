// Package followup decides whether a new utterance modifies the previous
// turn and, if so, merges the requested delta into a fresh copy of the prior
// query plan. Merging is structural substitution on the plan record; SQL
// text is regenerated and re-guarded from the merged plan afterwards, never
// patched in place.
package followup

import (
	"fmt"
	"strings"

	"github.com/askdash/askdash/internal/conversation"
	"github.com/askdash/askdash/internal/intent"
	"github.com/askdash/askdash/internal/plan"
)

type Kind string

const (
	AddDimension      Kind = "add_dimension"
	AddFilter         Kind = "add_filter"
	ChangeTimeframe   Kind = "change_timeframe"
	ChangeAggregation Kind = "change_aggregation"
	ExplainPrior      Kind = "explain_prior"
)

func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	switch k {
	case AddDimension, AddFilter, ChangeTimeframe, ChangeAggregation, ExplainPrior:
		return k, nil
	default:
		return "", fmt.Errorf("unknown follow-up kind %q", value)
	}
}

// Instruction is the normalized modification the external planner derived
// from the utterance. Column names the grouping column (add_dimension) or
// the new time-bucket column (change_aggregation); Filter carries the
// predicate for add_filter and change_timeframe.
type Instruction struct {
	Kind   Kind         `json:"kind"`
	Column string       `json:"column,omitempty"`
	Filter *plan.Filter `json:"filter,omitempty"`
}

// Decision is the resolver outcome. IsFollowUp false means the turn is
// handled as a fresh request. MergedPlan is set only for plan-modifying
// kinds; UsePriorContext marks explain_prior, which reuses the prior turn's
// result summary and produces no new plan.
type Decision struct {
	IsFollowUp      bool
	Kind            Kind
	MergedPlan      *plan.QueryPlan
	UsePriorContext bool
	Downgraded      bool
}

func notFollowUp(downgraded bool) Decision {
	return Decision{Downgraded: downgraded}
}

// Resolver merges follow-up deltas against the prior plan. DateColumn is the
// deployment's designated date column, used by change_timeframe merges.
type Resolver struct {
	DateColumn string
}

// timeBuckets is the vocabulary used to find the group-by entry that
// represents time granularity for change_aggregation.
var timeBuckets = map[string]struct{}{
	"day": {}, "week": {}, "month": {}, "quarter": {}, "year": {},
}

// Resolve applies the structural rule that a follow-up needs a usable prior
// turn: a claimed follow-up with no prior plan downgrades to NotFollowUp
// rather than merging against a missing base. Intent is taken from the
// classifier as-is; it is never re-derived from the utterance here.
func (r Resolver) Resolve(classification intent.Classification, instruction *Instruction, prior *conversation.Turn) (Decision, error) {
	if !classification.ClaimsFollowUp() {
		return notFollowUp(false), nil
	}
	if prior == nil || prior.Plan == nil {
		return notFollowUp(true), nil
	}

	kind := ExplainPrior
	if classification.Intent != intent.FollowUpContext {
		if instruction == nil {
			// Claimed plan modification without a normalized instruction
			// cannot be merged safely.
			return notFollowUp(true), nil
		}
		kind = instruction.Kind
	}

	switch kind {
	case ExplainPrior:
		return Decision{IsFollowUp: true, Kind: ExplainPrior, UsePriorContext: true}, nil
	case AddDimension:
		if instruction.Column == "" {
			return Decision{}, fmt.Errorf("add_dimension requires a column")
		}
		merged := prior.Plan.Clone()
		appendGroupBy(&merged, instruction.Column)
		return Decision{IsFollowUp: true, Kind: AddDimension, MergedPlan: &merged}, nil
	case AddFilter:
		if instruction.Filter == nil {
			return Decision{}, fmt.Errorf("add_filter requires a filter")
		}
		merged := prior.Plan.Clone()
		replaceFilter(&merged, *instruction.Filter)
		return Decision{IsFollowUp: true, Kind: AddFilter, MergedPlan: &merged}, nil
	case ChangeTimeframe:
		if instruction.Filter == nil {
			return Decision{}, fmt.Errorf("change_timeframe requires a filter")
		}
		filter := *instruction.Filter
		if filter.Column == "" {
			filter.Column = r.DateColumn
		}
		if filter.Column == "" {
			return Decision{}, fmt.Errorf("change_timeframe requires a date column")
		}
		merged := prior.Plan.Clone()
		replaceFilter(&merged, filter)
		return Decision{IsFollowUp: true, Kind: ChangeTimeframe, MergedPlan: &merged}, nil
	case ChangeAggregation:
		if instruction.Column == "" {
			return Decision{}, fmt.Errorf("change_aggregation requires a column")
		}
		merged := prior.Plan.Clone()
		replaceTimeBucket(&merged, instruction.Column)
		return Decision{IsFollowUp: true, Kind: ChangeAggregation, MergedPlan: &merged}, nil
	default:
		return Decision{}, fmt.Errorf("unknown follow-up kind %q", kind)
	}
}

func appendGroupBy(p *plan.QueryPlan, column string) {
	for _, existing := range p.GroupBy {
		if strings.EqualFold(existing, column) {
			return
		}
	}
	p.GroupBy = append(p.GroupBy, column)
}

// replaceFilter is last-write-wins per column: a follow-up narrowing an
// existing filter supersedes it, it does not AND with the old value.
func replaceFilter(p *plan.QueryPlan, filter plan.Filter) {
	for i := range p.Filters {
		if strings.EqualFold(p.Filters[i].Column, filter.Column) {
			p.Filters[i] = filter
			return
		}
	}
	p.Filters = append(p.Filters, filter)
}

// replaceTimeBucket swaps the group-by entry that represents time
// granularity, leaving all other group-by columns untouched. If the plan has
// no time bucket yet, the new one is appended: the follow-up then adds the
// time dimension.
func replaceTimeBucket(p *plan.QueryPlan, column string) {
	for i, existing := range p.GroupBy {
		if isTimeBucket(existing) {
			p.GroupBy[i] = column
			return
		}
	}
	p.GroupBy = append(p.GroupBy, column)
}

func isTimeBucket(column string) bool {
	name := strings.ToLower(strings.TrimSpace(column))
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	if _, ok := timeBuckets[name]; ok {
		return true
	}
	// Derived bucket columns like order_month or report_week.
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		if _, ok := timeBuckets[name[idx+1:]]; ok {
			return true
		}
	}
	return false
}
