package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"devtimeline/internal/errclass"
	"devtimeline/internal/recorder"
	"devtimeline/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, limit, err := s.parseQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.deps.Events.Query(r.Context(), filter, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, errclass.ErrInvalidEvent.WithMessagef("invalid id %q", r.PathValue("id")))
		return
	}

	event, err := s.deps.Events.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "ingestion disabled"})
		return
	}

	in, err := recorder.Decode(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.deps.Recorder.Record(in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "export disabled"})
		return
	}

	q := r.URL.Query()
	filename := q.Get("filename")
	if filename != "" && (filename != filepath.Base(filename) || filename == "." || filename == "..") {
		s.writeError(w, r, errclass.ErrInvalidEvent.WithMessagef("invalid filename %q", filename))
		return
	}

	filter, limit, err := s.parseQuery(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.deps.Events.Query(r.Context(), filter, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	path, err := s.deps.Reporter.Export(events, filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "count": len(events)})
}

// parseQuery reads type, source, since, until and limit.
func (s *Server) parseQuery(q url.Values) (store.Filter, int, error) {
	var f store.Filter

	if t := q.Get("type"); t != "" {
		et, err := store.ParseEventType(t)
		if err != nil {
			return f, 0, err
		}
		f.EventType = et
	}
	f.SourceSubstring = q.Get("source")

	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, 0, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, 0, err
	}

	limit := store.DefaultLimit
	if l := q.Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			return f, 0, errclass.ErrInvalidEvent.WithMessagef("invalid limit %q", l)
		}
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return f, limit, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errclass.ErrInvalidEvent.WithMessagef("invalid %s %q", key, v)
	}
	return t, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var code string

	var classed *errclass.Error
	if errors.As(err, &classed) {
		code = classed.Code
	}

	switch {
	case errors.Is(err, errclass.ErrInvalidEvent):
		status = http.StatusBadRequest
	case errors.Is(err, errclass.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
