package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/service/keycheck"
	"github.com/keyfleet/keyfleet/internal/service/usagestats"
	"github.com/keyfleet/keyfleet/internal/usecase"
)

// Request bodies are forwarded verbatim; this only caps abuse.
const maxRequestBody = 10 << 20

// Server aggregates the dependencies of the HTTP handlers.
type Server struct {
	Cfg        config.Config
	Dispatcher *usecase.Dispatcher
	Repo       domain.KeyRepository
	Usage      *usagestats.Accountant
	Validator  *keycheck.Validator
	Ring       RingControl
	Tokens     *TokenIssuer

	validate *validator.Validate
}

// RingControl is the selector surface the handlers need.
type RingControl interface {
	Rebuild(ctx domain.Context) error
	Size() int
}

// NewServer builds the handler set.
func NewServer(cfg config.Config, d *usecase.Dispatcher, repo domain.KeyRepository, usage *usagestats.Accountant, v *keycheck.Validator, ring RingControl) *Server {
	s := &Server{
		Cfg:        cfg,
		Dispatcher: d,
		Repo:       repo,
		Usage:      usage,
		Validator:  v,
		Ring:       ring,
		validate:   validator.New(),
	}
	if cfg.AdminEnabled() {
		s.Tokens = NewTokenIssuer(cfg.AdminTokenSecret, cfg.AdminTokenTTL)
	}
	return s
}

// chatRequestEnvelope peeks at the two fields the proxy cares about. The raw
// body is what gets forwarded.
type chatRequestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ChatCompletions is the POST /v1/chat/completions front: authenticate (done
// by middleware), peek at model/stream, and hand the verbatim body to the
// dispatch engine.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	var env chatRequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, r, fmt.Errorf("invalid json: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if env.Model == "" {
		writeError(w, r, fmt.Errorf("model is required: %w", domain.ErrInvalidArgument), nil)
		return
	}

	if env.Stream {
		if err := s.Dispatcher.ChatCompletionsStream(r.Context(), w, body, env.Model); err != nil {
			// Errors only surface before the relay writes anything; a
			// mid-stream failure severs the connection instead.
			writeError(w, r, err, nil)
		}
		return
	}

	out, err := s.Dispatcher.ChatCompletions(r.Context(), body, env.Model)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	relayOutcome(w, out)
}

// Models is the GET /v1/models front, dispatched through the same retry loop.
func (s *Server) Models(w http.ResponseWriter, r *http.Request) {
	out, err := s.Dispatcher.Models(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	relayOutcome(w, out)
}

func relayOutcome(w http.ResponseWriter, out *usecase.Outcome) {
	ct := out.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(out.Status)
	_, _ = w.Write(out.Body)
}

// Healthz reports process liveness.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Readyz reports whether the key store is reachable.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Repo.StatsSnapshot(r.Context(), time.Now().UTC()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "ring_size": s.Ring.Size()})
}
