// Package keycheck probes upstream keys with a minimal chat completion and
// flips their lifecycle state based on the result.
package keycheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/domain"
	obsctx "github.com/keyfleet/keyfleet/internal/observability"
)

const (
	probeModel   = "gpt-4o-mini"
	probeTimeout = 15 * time.Second
	maxDetail    = 4 << 10
)

// RingRebuilder refreshes the rotation ring after a status change.
type RingRebuilder interface {
	Rebuild(ctx domain.Context) error
}

// Result is the outcome of probing one key.
type Result struct {
	KeyID      string `json:"key_id"`
	Valid      bool   `json:"valid"`
	StatusCode int    `json:"status_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
	NewStatus  string `json:"new_status"`
}

// Validator issues health probes against the upstream API.
type Validator struct {
	repo     domain.KeyRepository
	upstream domain.UpstreamCaller
	ring     RingRebuilder
}

// New builds a Validator. ring may be nil when no selector is running.
func New(repo domain.KeyRepository, upstream domain.UpstreamCaller, ring RingRebuilder) *Validator {
	return &Validator{repo: repo, upstream: upstream, ring: ring}
}

// probeBody is the cheapest request that still proves the key works.
func probeBody() []byte {
	b, _ := json.Marshal(map[string]any{
		"model":       probeModel,
		"messages":    []map[string]string{{"role": "user", "content": "Hello"}},
		"max_tokens":  10,
		"temperature": 0.1,
	})
	return b
}

// probe performs the upstream call and reports the HTTP status observed.
func (v *Validator) probe(ctx domain.Context, secret string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	resp, err := v.upstream.ChatCompletions(ctx, secret, probeBody())
	if err != nil {
		return 0, "", fmt.Errorf("op=keycheck.probe: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetail))
	return resp.StatusCode, string(detail), nil
}

// ValidateOne probes a single key and reconciles its status. A working key
// becomes active unless it is revoked; a failing key becomes inactive.
// Revoked keys are never re-activated by the validator.
func (v *Validator) ValidateOne(ctx domain.Context, id string) (Result, error) {
	lg := obsctx.LoggerFromContext(ctx)
	key, err := v.repo.GetByID(ctx, id)
	if err != nil {
		return Result{}, err
	}

	res := Result{KeyID: key.ID, NewStatus: string(key.Status)}
	status, detail, err := v.probe(ctx, key.Secret)
	if err != nil {
		res.Detail = err.Error()
	} else {
		res.StatusCode = status
		if status != http.StatusOK {
			res.Detail = detail
		}
	}

	if err == nil && status == http.StatusOK {
		res.Valid = true
		if key.Status == domain.KeyInactive {
			if _, serr := v.repo.SetStatus(ctx, key.ID, domain.KeyActive); serr != nil {
				return Result{}, serr
			}
			res.NewStatus = string(domain.KeyActive)
			observability.KeyReactivationsTotal.Inc()
			lg.Info("key re-activated by validator", "key_id", key.ID)
			v.rebuild(ctx)
		}
		return res, nil
	}

	if key.Status == domain.KeyActive {
		if _, serr := v.repo.SetStatus(ctx, key.ID, domain.KeyInactive); serr != nil {
			return Result{}, serr
		}
		res.NewStatus = string(domain.KeyInactive)
		observability.KeyDeactivationsTotal.WithLabelValues("validator").Inc()
		lg.Warn("key deactivated by validator", "key_id", key.ID, "status", status)
		v.rebuild(ctx)
	}
	return res, nil
}

// ValidateAllInactive probes every inactive key and returns one result each.
func (v *Validator) ValidateAllInactive(ctx domain.Context) ([]Result, error) {
	keys, err := v.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, k := range keys {
		if k.Status != domain.KeyInactive {
			continue
		}
		res, err := v.ValidateOne(ctx, k.ID)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (v *Validator) rebuild(ctx domain.Context) {
	if v.ring == nil {
		return
	}
	if err := v.ring.Rebuild(ctx); err != nil {
		obsctx.LoggerFromContext(ctx).Error("ring rebuild after validation failed", "error", err)
	}
}
