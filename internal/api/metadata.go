package api

import (
	"net/http"
	"sort"

	"github.com/askdash/askdash/internal/auth"
)

// handleMetadataSchema reports the queryable tables and columns along with
// the PII registry, so clients can build plans against the live surface.
func handleMetadataSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleChatUser); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "METADATA_UNAVAILABLE", "no catalog configured", true, nil)
		return
	}

	schema, err := deps.Catalog.SchemaFor(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "METADATA_UNAVAILABLE", err.Error(), true, nil)
		return
	}
	piiColumns, err := deps.Catalog.PIIColumns(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "METADATA_UNAVAILABLE", err.Error(), true, nil)
		return
	}

	tables := make(map[string][]string, len(schema))
	for table, columns := range schema {
		names := make([]string, 0, len(columns))
		for column := range columns {
			names = append(names, column)
		}
		sort.Strings(names)
		tables[table] = names
	}
	pii := make([]string, 0, len(piiColumns))
	for column := range piiColumns {
		pii = append(pii, column)
	}
	sort.Strings(pii)

	writeJSON(w, http.StatusOK, map[string]any{
		"tables":      tables,
		"pii_columns": pii,
	})
}
