package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/howard-nolan/cloudrelay/internal/anthropic"
	"github.com/howard-nolan/cloudrelay/internal/catalog"
	"github.com/howard-nolan/cloudrelay/internal/cloudcode"
	"github.com/howard-nolan/cloudrelay/internal/stream"
)

const maxRequestBytes = 32 << 20

// modelsReleaseDate stands in for per-model release metadata the backend
// does not expose.
const modelsReleaseDate = "2025-11-18T00:00:00Z"

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, anthropic.ErrInvalidRequest,
			"invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, anthropic.ErrInvalidRequest,
			"messages must not be empty")
		return
	}
	if _, ok := catalog.Lookup(req.Model); !ok {
		writeJSONError(w, http.StatusBadRequest, anthropic.ErrInvalidRequest,
			fmt.Sprintf("unknown model %q, see /v1/models for the served catalog", req.Model))
		return
	}

	outcome := "ok"
	defer func() { s.met.Requests.WithLabelValues(req.Model, outcome).Inc() }()

	if req.Stream {
		if !s.streamMessages(w, r, &req) {
			outcome = "error"
		}
		return
	}

	resp, err := s.engine.Send(r.Context(), &req)
	if err != nil {
		outcome = "error"
		s.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamMessages runs the streaming path and reports whether it finished
// cleanly. Once any event has been written, failures can only be logged;
// the status line is long gone and the stream carried its own terminal
// error event.
func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest) bool {
	sink, err := stream.NewWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, anthropic.ErrAPI, err.Error())
		return false
	}
	if err := s.engine.SendStream(r.Context(), req, sink); err != nil {
		if sink.Committed() {
			s.log.Warn().Err(err).Str("model", req.Model).Msg("stream ended abnormally")
		} else {
			s.writeDispatchError(w, r, err)
		}
		return false
	}
	return true
}

// writeDispatchError maps an engine failure onto the API's error taxonomy.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		s.log.Debug().Err(err).Msg("client went away before the response")
		return
	}

	var rl *cloudcode.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.ResetAfter)))
		msg := rl.Error()
		if rl.Message != "" {
			msg = rl.Message
		}
		writeJSONError(w, http.StatusTooManyRequests, anthropic.ErrRateLimit, msg)
		return
	}

	var ue *cloudcode.UpstreamError
	if errors.As(err, &ue) {
		if len(ue.Body) == 0 {
			writeJSONError(w, ue.Status, anthropic.ErrorTypeForStatus(ue.Status), ue.Error())
			return
		}
		// The upstream's verdict passes through untouched.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.Status)
		w.Write(ue.Body)
		return
	}

	// Pool exhaustion without a parsed reset still answers 429, just
	// without a Retry-After hint.
	if errors.Is(err, cloudcode.ErrNoAccounts) {
		writeJSONError(w, http.StatusTooManyRequests, anthropic.ErrRateLimit,
			"no accounts available, add one to the accounts file")
		return
	}
	if errors.Is(err, cloudcode.ErrMaxRetries) {
		writeJSONError(w, http.StatusTooManyRequests, anthropic.ErrRateLimit, err.Error())
		return
	}

	s.log.Error().Err(err).Msg("dispatch failed")
	writeJSONError(w, http.StatusBadGateway, anthropic.ErrAPI, err.Error())
}

type modelEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := catalog.List()
	data := make([]modelEntry, len(list))
	for i, m := range list {
		data[i] = modelEntry{
			Type:        "model",
			ID:          m.ID,
			DisplayName: m.DisplayName,
			CreatedAt:   modelsReleaseDate,
		}
	}

	out := struct {
		Data    []modelEntry `json:"data"`
		HasMore bool         `json:"has_more"`
		FirstID string       `json:"first_id"`
		LastID  string       `json:"last_id"`
	}{Data: data}
	if len(data) > 0 {
		out.FirstID = data[0].ID
		out.LastID = data[len(data)-1].ID
	}
	writeJSON(w, http.StatusOK, out)
}

// Token counting needs the upstream tokenizer, which the backend does not
// expose. Clients probe this endpoint, so answer plainly instead of 404ing.
func (s *Server) handleCountTokens(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, http.StatusNotImplemented, anthropic.ErrAPI,
		"count_tokens is not supported by this relay")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": s.pool.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.NewError(errType, message))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
