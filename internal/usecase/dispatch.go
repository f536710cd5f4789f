// Package usecase contains the application services of the proxy: the
// dispatch engine with its retry loop and the streaming relay.
package usecase

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/keyfleet/keyfleet/internal/adapter/observability"
	"github.com/keyfleet/keyfleet/internal/domain"
	obsctx "github.com/keyfleet/keyfleet/internal/observability"
	"github.com/keyfleet/keyfleet/internal/service/usagestats"
)

// Cap on how much of an upstream error body is retained for the caller.
const maxErrorBodyBytes = 64 << 10

// KeySelector hands out rotation candidates.
type KeySelector interface {
	Next(ctx domain.Context) (domain.UpstreamKey, error)
	Rebuild(ctx domain.Context) error
}

// AttemptFunc issues one upstream call bound to a candidate secret.
type AttemptFunc func(ctx domain.Context, secret string) (*http.Response, error)

// Outcome is a fully-buffered successful upstream response.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
}

// Dispatcher runs the per-request retry loop: pick a candidate key, call
// upstream, classify the result, deactivate faulty keys, and retry with the
// next candidate until success or exhaustion.
type Dispatcher struct {
	repo     domain.KeyRepository
	selector KeySelector
	usage    *usagestats.Accountant
	upstream domain.UpstreamCaller

	maxRetries        int
	maxCallsPerWindow int
	attemptDelay      time.Duration
}

// NewDispatcher wires the dispatch engine. maxRetries is clamped to at least
// one attempt; maxCallsPerWindow of zero disables the advisory ceiling.
func NewDispatcher(repo domain.KeyRepository, selector KeySelector, usage *usagestats.Accountant, upstream domain.UpstreamCaller, maxRetries, maxCallsPerWindow int) *Dispatcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Dispatcher{
		repo:              repo,
		selector:          selector,
		usage:             usage,
		upstream:          upstream,
		maxRetries:        maxRetries,
		maxCallsPerWindow: maxCallsPerWindow,
		attemptDelay:      100 * time.Millisecond,
	}
}

// ChatCompletions dispatches a buffered chat-completion request.
func (d *Dispatcher) ChatCompletions(ctx domain.Context, body []byte, model string) (*Outcome, error) {
	return d.dispatch(ctx, model, func(ctx domain.Context, secret string) (*http.Response, error) {
		return d.upstream.ChatCompletions(ctx, secret, body)
	})
}

// ChatCompletionsStream dispatches a streaming chat-completion request,
// relaying upstream chunks to w as they arrive.
func (d *Dispatcher) ChatCompletionsStream(ctx domain.Context, w http.ResponseWriter, body []byte, model string) error {
	return d.run(ctx, model, func(ctx domain.Context, secret string) (*http.Response, error) {
		return d.upstream.ChatCompletions(ctx, secret, body)
	}, func(ctx domain.Context, resp *http.Response) error {
		return relayStream(ctx, w, resp)
	})
}

// Models dispatches a model-list request through the same retry loop.
func (d *Dispatcher) Models(ctx domain.Context) (*Outcome, error) {
	return d.dispatch(ctx, "", d.upstream.ListModels)
}

func (d *Dispatcher) dispatch(ctx domain.Context, model string, attempt AttemptFunc) (*Outcome, error) {
	var out *Outcome
	err := d.run(ctx, model, attempt, func(_ domain.Context, resp *http.Response) error {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=dispatch.read_body: %w", err)
		}
		out = &Outcome{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: b}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// run is the retry loop shared by the buffered and streaming paths. deliver
// is invoked exactly once, on the first 200 response, after the success
// accounting has fired.
func (d *Dispatcher) run(ctx domain.Context, model string, attempt AttemptFunc, deliver func(domain.Context, *http.Response) error) error {
	lg := obsctx.LoggerFromContext(ctx)
	bo := backoff.NewConstantBackOff(d.attemptDelay)
	var lastErr error

	for i := 1; i <= d.maxRetries; i++ {
		if i > 1 {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return fmt.Errorf("op=dispatch.cancelled: %w", err)
			}
		}

		key, err := d.selector.Next(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrNoKeysAvailable) {
				observability.DispatchAttemptsTotal.WithLabelValues(observability.OutcomeNoKeys).Inc()
				if i == 1 {
					return fmt.Errorf("op=dispatch: %w", domain.ErrNoKeysAvailable)
				}
				// Ring drained mid-request; keep looping so the last
				// upstream cause, not the empty ring, is surfaced.
				continue
			}
			return fmt.Errorf("op=dispatch.select: %w", err)
		}

		if d.maxCallsPerWindow > 0 && d.usage.InWindow(key.ID, time.Now().UTC()) >= d.maxCallsPerWindow {
			lg.Warn("key exceeded advisory call ceiling",
				"key_id", key.ID, "ceiling", d.maxCallsPerWindow)
		}

		resp, err := attempt(ctx, key.Secret)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("op=dispatch.cancelled: %w", ctx.Err())
			}
			observability.DispatchAttemptsTotal.WithLabelValues(observability.OutcomeTransportError).Inc()
			lg.Warn("upstream transport error", "key_id", key.ID, "attempt", i, "error", err)
			d.deactivate(ctx, key, "transport_error")
			if lastErr == nil || !isUpstreamError(lastErr) {
				lastErr = err
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			observability.DispatchAttemptsTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
			d.accountSuccess(ctx, key, model)
			return deliver(ctx, resp)
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		upErr := &domain.UpstreamError{StatusCode: resp.StatusCode, Body: body}
		lastErr = upErr

		if domain.KeyFault(resp.StatusCode) {
			observability.DispatchAttemptsTotal.WithLabelValues(observability.OutcomeKeyFault).Inc()
			lg.Warn("key fault from upstream",
				"key_id", key.ID, "attempt", i, "status", resp.StatusCode)
			d.deactivate(ctx, key, fmt.Sprintf("upstream_%d", resp.StatusCode))
		} else {
			observability.DispatchAttemptsTotal.WithLabelValues(observability.OutcomeUpstreamError).Inc()
			lg.Warn("upstream error",
				"key_id", key.ID, "attempt", i, "status", resp.StatusCode)
		}
	}

	if lastErr == nil {
		lastErr = domain.ErrNoKeysAvailable
	}
	return fmt.Errorf("op=dispatch: %w: %w", domain.ErrAllAttemptsFailed, lastErr)
}

// accountSuccess fires the success side-effects in order. Each is individually
// durable; a failure is logged and swallowed so it never fails the request.
func (d *Dispatcher) accountSuccess(ctx domain.Context, key domain.UpstreamKey, model string) {
	lg := obsctx.LoggerFromContext(ctx)
	d.usage.Record(key.ID, time.Now().UTC())
	if _, err := d.repo.TouchLastUsed(ctx, key.ID); err != nil {
		lg.Error("touch last_used failed", "key_id", key.ID, "error", err)
	}
	if _, err := d.repo.IncrementTotalRequests(ctx, key.ID); err != nil {
		lg.Error("increment total_requests failed", "key_id", key.ID, "error", err)
	}
	if err := d.repo.AppendLog(ctx, key.ID, model, domain.OutcomeSuccess); err != nil {
		lg.Error("append request log failed", "key_id", key.ID, "error", err)
	}
}

// deactivate flips the key to inactive and rebuilds the ring so later
// attempts skip it. Failures are logged; the retry loop proceeds regardless.
func (d *Dispatcher) deactivate(ctx domain.Context, key domain.UpstreamKey, cause string) {
	lg := obsctx.LoggerFromContext(ctx)
	if _, err := d.repo.SetStatus(ctx, key.ID, domain.KeyInactive); err != nil {
		lg.Error("deactivate key failed", "key_id", key.ID, "error", err)
		return
	}
	observability.KeyDeactivationsTotal.WithLabelValues(cause).Inc()
	if err := d.selector.Rebuild(ctx); err != nil {
		lg.Error("ring rebuild after deactivation failed", "key_id", key.ID, "error", err)
	}
}

func isUpstreamError(err error) bool {
	var ue *domain.UpstreamError
	return errors.As(err, &ue)
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
