package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/askdash/askdash/internal/auth"
	"github.com/askdash/askdash/internal/chatlog"
	"github.com/askdash/askdash/internal/conversation"
	"github.com/askdash/askdash/internal/followup"
	"github.com/askdash/askdash/internal/guard"
	"github.com/askdash/askdash/internal/intent"
	"github.com/askdash/askdash/internal/plan"
	"github.com/askdash/askdash/internal/session"
	"github.com/askdash/askdash/internal/warehouse"
)

type turnRequest struct {
	Utterance      string                `json:"utterance"`
	Classification json.RawMessage       `json:"classification,omitempty"`
	Instruction    *followup.Instruction `json:"instruction,omitempty"`
	Plan           *plan.QueryPlan       `json:"plan,omitempty"`
	Execute        bool                  `json:"execute,omitempty"`
}

type guardInfo struct {
	Reason  string   `json:"reason,omitempty"`
	Message string   `json:"message,omitempty"`
	Info    []string `json:"info,omitempty"`
}

type followUpInfo struct {
	IsFollowUp bool   `json:"is_follow_up"`
	Kind       string `json:"kind,omitempty"`
	Downgraded bool   `json:"downgraded,omitempty"`
}

type resultInfo struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

type turnResponse struct {
	SessionID      string             `json:"session_id"`
	TurnID         int64              `json:"turn_id"`
	Status         string             `json:"status"`
	Intent         string             `json:"intent"`
	SQL            string             `json:"sql,omitempty"`
	EffectiveLimit int                `json:"effective_limit,omitempty"`
	Guard          *guardInfo         `json:"guard,omitempty"`
	FollowUp       followUpInfo       `json:"follow_up"`
	Message        string             `json:"message,omitempty"`
	PriorTurn      *conversation.Turn `json:"prior_turn,omitempty"`
	Result         *resultInfo        `json:"result,omitempty"`
}

func handleTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	sessionID := r.PathValue("session")
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION", "session id is required", false, nil)
		return
	}

	var req turnRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", err.Error(), false, nil)
		return
	}
	if req.Utterance == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "utterance is required", false, nil)
		return
	}

	classification, err := resolveClassification(deps, sessionID, req)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CLASSIFICATION", err.Error(), false, nil)
		return
	}

	start := time.Now()
	outcome, err := deps.Orchestrator.HandleTurn(r.Context(), sessionID, session.TurnRequest{
		Utterance:      req.Utterance,
		Classification: classification,
		Instruction:    req.Instruction,
		Plan:           req.Plan,
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "TURN_FAILED", err.Error(), true, nil)
		return
	}

	response := turnResponse{
		SessionID: sessionID,
		TurnID:    outcome.Turn.ID,
		Status:    string(outcome.Status),
		Intent:    string(classification.Intent),
		SQL:       outcome.SQL,
		Message:   outcome.Message,
		FollowUp: followUpInfo{
			IsFollowUp: outcome.FollowUp.IsFollowUp,
			Kind:       string(outcome.FollowUp.Kind),
			Downgraded: outcome.FollowUp.Downgraded,
		},
	}
	if outcome.Status == session.StatusSQLReady || outcome.Status == session.StatusRejected {
		response.Guard = verdictInfo(outcome.Verdict)
		response.EffectiveLimit = outcome.Verdict.EffectiveLimit
	}
	if outcome.Prior != nil {
		response.PriorTurn = outcome.Prior
	}

	rowCount := 0
	if outcome.Status == session.StatusSQLReady && req.Execute && deps.Engine != nil {
		result, err := deps.Engine.Execute(r.Context(), warehouse.Request{
			SQL:      outcome.SQL,
			RowLimit: outcome.Verdict.EffectiveLimit,
		})
		if err != nil {
			writeError(r.Context(), w, http.StatusBadGateway, "QUERY_FAILED", err.Error(), true, map[string]any{
				"turn_id": outcome.Turn.ID,
			})
			return
		}
		deps.Orchestrator.RecordResult(sessionID, outcome.Turn.ID, conversation.ResultSummary{
			Rows:    result.RowCount,
			Columns: len(result.Columns),
		})
		rowCount = result.RowCount
		response.Result = &resultInfo{
			Columns:  result.Columns,
			Rows:     result.Rows,
			RowCount: result.RowCount,
		}
	}

	if deps.ChatLog != nil {
		deps.ChatLog.LogInteraction(r.Context(), chatlog.Interaction{
			SessionID:    sessionID,
			TurnID:       outcome.Turn.ID,
			Utterance:    req.Utterance,
			Intent:       string(classification.Intent),
			GeneratedSQL: outcome.SQL,
			GuardReason:  string(outcome.Verdict.Reason),
			Outcome:      string(outcome.Status),
			RowCount:     rowCount,
			Duration:     time.Since(start),
		})
	}

	writeJSON(w, http.StatusOK, response)
}

// resolveClassification prefers the caller-provided classifier payload,
// falls back to the deterministic fast paths, and finally defaults from the
// shape of the request.
func resolveClassification(deps Dependencies, sessionID string, req turnRequest) (intent.Classification, error) {
	if len(req.Classification) > 0 {
		return intent.Decode(req.Classification)
	}

	hasPriorPlan := false
	for _, turn := range deps.Orchestrator.History(sessionID) {
		if turn.Plan != nil {
			hasPriorPlan = true
			break
		}
	}
	if classification, ok := intent.ClassifyHeuristic(req.Utterance, hasPriorPlan); ok {
		return classification, nil
	}

	if req.Plan != nil {
		return intent.Classification{
			Intent:     intent.QueryWithSQL,
			Confidence: 0.5,
			Reason:     "default for request with plan",
		}, nil
	}
	return intent.Classification{
		Intent:     intent.NeedsClarification,
		Confidence: 0.5,
		Reason:     "no classifier verdict and no plan",
	}, nil
}

func verdictInfo(verdict guard.Verdict) *guardInfo {
	info := &guardInfo{
		Reason:  string(verdict.Reason),
		Message: verdict.Message,
	}
	for _, code := range verdict.Info {
		info.Info = append(info.Info, string(code))
	}
	return info
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	sessionID := r.PathValue("session")
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION", "session id is required", false, nil)
		return
	}
	turns := deps.Orchestrator.History(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func handleEndSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleOpsAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	sessionID := r.PathValue("session")
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SESSION", "session id is required", false, nil)
		return
	}
	turns := deps.Orchestrator.EndSession(sessionID)

	archiveKey := ""
	if deps.Archiver != nil && len(turns) > 0 {
		key, err := deps.Archiver.ArchiveSession(r.Context(), sessionID, turns)
		if err != nil {
			// The session is already gone; report the failed upload
			// instead of pretending the transcript is safe.
			writeError(r.Context(), w, http.StatusBadGateway, "ARCHIVE_FAILED", err.Error(), true, map[string]any{
				"session_id": sessionID,
				"turns":      len(turns),
			})
			return
		}
		archiveKey = key
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"turns":       len(turns),
		"archive_key": archiveKey,
	})
}
