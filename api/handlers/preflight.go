package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/i0mja/dell-infra-sync-sub002/internal/discovery"
	"github.com/i0mja/dell-infra-sync-sub002/internal/errs"
)

// preflightHosts resolves the comma-separated server_ids into the
// PreflightHost slice the discovery engine (C13) needs, skipping any ID
// whose credentials cannot be resolved rather than failing the whole
// request — a single bad server shouldn't block checking the rest of the
// fleet.
func (h *Handlers) preflightHosts(r *http.Request, ids []string) ([]discovery.PreflightHost, []error) {
	hosts := make([]discovery.PreflightHost, 0, len(ids))
	var errsOut []error
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		target, err := h.resolveTarget(r.Context(), id)
		if err != nil {
			errsOut = append(errsOut, fmt.Errorf("%s: %w", id, err))
			continue
		}
		hosts = append(hosts, discovery.PreflightHost{
			ServerID: id,
			IP:       target.IP,
			Username: target.Username,
			Password: target.Password,
		})
	}
	return hosts, errsOut
}

func parseServerIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// PreflightCheckStream answers GET /api/preflight-check-stream, streaming
// progress/server_result/done events over SSE as the readiness engine
// (C13) checks each host.
func (h *Handlers) PreflightCheckStream(w http.ResponseWriter, r *http.Request) {
	ids := parseServerIDs(r.URL.Query().Get("server_ids"))
	if len(ids) == 0 {
		respondError(w, &errs.ValidationError{Field: "server_ids", Message: "server_ids is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, &errs.ProtocolError{Op: "preflight-check-stream", Details: "response writer does not support flushing"})
		return
	}

	hosts, resolveErrs := h.preflightHosts(r, ids)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event:%s\ndata:%s\n\n", event, data)
		flusher.Flush()
	}

	for _, e := range resolveErrs {
		writeEvent("error", map[string]any{"message": e.Error()})
	}

	h.Preflight.Run(r.Context(), hosts, writeEvent)
}

type preflightCheckRequest struct {
	ServerIDs []string `json:"server_ids"`
}

// PreflightCheck answers POST /api/preflight-check, the synchronous batch
// variant of the same readiness engine (C13) used by the SSE endpoint.
func (h *Handlers) PreflightCheck(w http.ResponseWriter, r *http.Request) {
	var req preflightCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.ServerIDs) == 0 {
		respondError(w, &errs.ValidationError{Field: "server_ids", Message: "server_ids is required"})
		return
	}
	hosts, resolveErrs := h.preflightHosts(r, req.ServerIDs)
	summary := h.Preflight.Run(r.Context(), hosts, nil)

	resp := map[string]any{"success": true, "summary": summary}
	if len(resolveErrs) > 0 {
		msgs := make([]string, len(resolveErrs))
		for i, e := range resolveErrs {
			msgs[i] = e.Error()
		}
		resp["resolve_errors"] = msgs
	}
	respondJSON(w, http.StatusOK, resp)
}
