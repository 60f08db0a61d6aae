// Package intent defines the classification contract consumed at the
// boundary. Classification itself happens in an external collaborator (an
// LLM router); this package validates its structured output and provides the
// deterministic keyword fast paths that never need a model call.
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Type string

const (
	NeedsClarification Type = "needs_clarification"
	SmallTalk          Type = "small_talk"
	FollowUpSQL        Type = "follow_up_sql"
	FollowUpContext    Type = "follow_up_context"
	Irrelevant         Type = "irrelevant"
	QueryWithSQL       Type = "query_with_sql"
	QueryWithoutSQL    Type = "query_without_sql"
)

func ParseType(value string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(value)))
	switch t {
	case NeedsClarification, SmallTalk, FollowUpSQL, FollowUpContext, Irrelevant, QueryWithSQL, QueryWithoutSQL:
		return t, nil
	default:
		return "", fmt.Errorf("unknown intent %q", value)
	}
}

type FollowUpInfo struct {
	IsFollowUp              bool   `json:"is_follow_up"`
	FollowUpType            string `json:"follow_up_type,omitempty"`
	ModificationInstruction string `json:"modification_instruction,omitempty"`
}

// Classification is the validated classifier result. Loose payloads are
// rejected on decode rather than carried forward with partial data.
type Classification struct {
	Intent         Type         `json:"intent"`
	Confidence     float64      `json:"confidence"`
	Reason         string       `json:"reason"`
	ForceToolUsage bool         `json:"force_tool_usage"`
	FollowUp       FollowUpInfo `json:"follow_up_context"`
}

// ClaimsFollowUp reports whether the classifier asserted a follow-up. The
// resolver still downgrades the claim when no usable prior turn exists.
func (c Classification) ClaimsFollowUp() bool {
	if c.Intent == FollowUpSQL || c.Intent == FollowUpContext {
		return true
	}
	return c.FollowUp.IsFollowUp
}

func Decode(payload []byte) (Classification, error) {
	var raw struct {
		Intent         *string       `json:"intent"`
		Confidence     *float64      `json:"confidence"`
		Reason         *string       `json:"reason"`
		ForceToolUsage bool          `json:"force_tool_usage"`
		FollowUp       *FollowUpInfo `json:"follow_up_context"`
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		return Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	if raw.Intent == nil {
		return Classification{}, fmt.Errorf("classification is missing required field intent")
	}
	if raw.Confidence == nil {
		return Classification{}, fmt.Errorf("classification is missing required field confidence")
	}
	if raw.Reason == nil {
		return Classification{}, fmt.Errorf("classification is missing required field reason")
	}
	intentType, err := ParseType(*raw.Intent)
	if err != nil {
		return Classification{}, err
	}
	if *raw.Confidence < 0 || *raw.Confidence > 1 {
		return Classification{}, fmt.Errorf("confidence %v is out of range [0,1]", *raw.Confidence)
	}
	classification := Classification{
		Intent:         intentType,
		Confidence:     *raw.Confidence,
		Reason:         *raw.Reason,
		ForceToolUsage: raw.ForceToolUsage,
	}
	if raw.FollowUp != nil {
		classification.FollowUp = *raw.FollowUp
	}
	return classification, nil
}
