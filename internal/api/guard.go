package api

import (
	"encoding/json"
	"net/http"

	"github.com/askdash/askdash/internal/auth"
	"github.com/askdash/askdash/internal/guard"
)

type guardValidateRequest struct {
	SQL string `json:"sql"`
}

type guardValidateResponse struct {
	Accepted       bool     `json:"accepted"`
	NormalizedSQL  string   `json:"normalized_sql,omitempty"`
	EffectiveLimit int      `json:"effective_limit,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Message        string   `json:"message,omitempty"`
	Info           []string `json:"info,omitempty"`
}

// handleGuardValidate exposes the guard directly so operators can check a
// statement without running a conversation turn.
func handleGuardValidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	var req guardValidateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", err.Error(), false, nil)
		return
	}

	piiColumns := map[string]struct{}{}
	if deps.Catalog != nil {
		loaded, err := deps.Catalog.PIIColumns(r.Context())
		if err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "METADATA_UNAVAILABLE", err.Error(), true, nil)
			return
		}
		piiColumns = loaded
	}

	verdict := guard.Validate(req.SQL, piiColumns, deps.GuardConfig)
	response := guardValidateResponse{
		Accepted:       verdict.Accepted,
		NormalizedSQL:  verdict.NormalizedSQL,
		EffectiveLimit: verdict.EffectiveLimit,
		Reason:         string(verdict.Reason),
		Message:        verdict.Message,
	}
	for _, code := range verdict.Info {
		response.Info = append(response.Info, string(code))
	}
	writeJSON(w, http.StatusOK, response)
}
