package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/service/usagestats"
	"github.com/keyfleet/keyfleet/internal/usecase"
)

// repoStub records the accounting and status calls the dispatcher makes.
type repoStub struct {
	mu          sync.Mutex
	touched     []string
	incremented []string
	logged      []string
	deactivated []string
}

func (r *repoStub) Add(domain.Context, string, string) (string, error) { return "", nil }
func (r *repoStub) GetByID(domain.Context, string) (domain.UpstreamKey, error) {
	return domain.UpstreamKey{}, domain.ErrNotFound
}
func (r *repoStub) GetBySecret(domain.Context, string) (domain.UpstreamKey, error) {
	return domain.UpstreamKey{}, domain.ErrNotFound
}
func (r *repoStub) ListAll(domain.Context) ([]domain.UpstreamKey, error) { return nil, nil }
func (r *repoStub) ListPaginated(domain.Context, int, int, domain.KeyStatus) ([]domain.UpstreamKey, int64, error) {
	return nil, 0, nil
}
func (r *repoStub) ListActive(domain.Context, int) ([]domain.UpstreamKey, error) { return nil, nil }
func (r *repoStub) SetStatus(_ domain.Context, id string, status domain.KeyStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == domain.KeyInactive {
		r.deactivated = append(r.deactivated, id)
	}
	return true, nil
}
func (r *repoStub) SetName(domain.Context, string, string) (bool, error) { return true, nil }
func (r *repoStub) TouchLastUsed(_ domain.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	return true, nil
}
func (r *repoStub) IncrementTotalRequests(_ domain.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incremented = append(r.incremented, id)
	return true, nil
}
func (r *repoStub) Delete(domain.Context, string) (bool, error) { return true, nil }
func (r *repoStub) AppendLog(_ domain.Context, keyID, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logged = append(r.logged, keyID)
	return nil
}
func (r *repoStub) StatsSnapshot(domain.Context, time.Time) (domain.GlobalStats, error) {
	return domain.GlobalStats{}, nil
}
func (r *repoStub) PruneLogs(domain.Context, time.Time) (int64, error) { return 0, nil }

// selectorStub serves a scripted key sequence; empty string means empty ring.
type selectorStub struct {
	mu       sync.Mutex
	sequence []string
	idx      int
	rebuilds int
}

func (s *selectorStub) Next(domain.Context) (domain.UpstreamKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.sequence) {
		return domain.UpstreamKey{}, domain.ErrNoKeysAvailable
	}
	id := s.sequence[s.idx]
	s.idx++
	if id == "" {
		return domain.UpstreamKey{}, domain.ErrNoKeysAvailable
	}
	return domain.UpstreamKey{ID: id, Secret: "sk-" + id, Status: domain.KeyActive}, nil
}

func (s *selectorStub) Rebuild(domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilds++
	return nil
}

// callerStub returns scripted upstream responses per attempt and records the
// secret each attempt used.
type callerStub struct {
	mu      sync.Mutex
	results []func() (*http.Response, error)
	idx     int
	secrets []string
}

func (c *callerStub) next(secret string) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets = append(c.secrets, secret)
	if c.idx >= len(c.results) {
		return jsonResponse(http.StatusOK, `{}`), nil
	}
	f := c.results[c.idx]
	c.idx++
	return f()
}

func (c *callerStub) ChatCompletions(_ domain.Context, secret string, _ []byte) (*http.Response, error) {
	return c.next(secret)
}

func (c *callerStub) ListModels(_ domain.Context, secret string) (*http.Response, error) {
	return c.next(secret)
}

func jsonResponse(status int, body string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func respond(status int, body string) func() (*http.Response, error) {
	return func() (*http.Response, error) { return jsonResponse(status, body), nil }
}

func transportFail() func() (*http.Response, error) {
	return func() (*http.Response, error) { return nil, assert.AnError }
}

func newDispatcher(repo *repoStub, sel *selectorStub, caller *callerStub, maxRetries int) *usecase.Dispatcher {
	usage := usagestats.New(24*time.Hour, 10000)
	return usecase.NewDispatcher(repo, sel, usage, caller, maxRetries, 0)
}

func TestDispatch_HappyPath(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1"}}
	caller := &callerStub{results: []func() (*http.Response, error){respond(200, `{"id":"x"}`)}}
	d := newDispatcher(repo, sel, caller, 5)

	out, err := d.ChatCompletions(context.Background(), []byte(`{"model":"m"}`), "m")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.JSONEq(t, `{"id":"x"}`, string(out.Body))
	assert.Equal(t, []string{"sk-k1"}, caller.secrets)
	assert.Equal(t, []string{"k1"}, repo.touched)
	assert.Equal(t, []string{"k1"}, repo.incremented)
	assert.Equal(t, []string{"k1"}, repo.logged)
	assert.Empty(t, repo.deactivated)
}

func TestDispatch_FailoverOnKeyFault(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k2"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		respond(401, `{"error":"bad key"}`),
		respond(200, `{"id":"x"}`),
	}}
	d := newDispatcher(repo, sel, caller, 5)

	out, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, []string{"k1"}, repo.deactivated)
	assert.Equal(t, 1, sel.rebuilds)
	assert.Equal(t, []string{"k2"}, repo.logged, "only the winning key is logged")
	assert.Equal(t, []string{"k2"}, repo.incremented)
}

func TestDispatch_EmptyRingFirstAttempt(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{}
	caller := &callerStub{}
	d := newDispatcher(repo, sel, caller, 5)

	_, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoKeysAvailable)
	assert.NotErrorIs(t, err, domain.ErrAllAttemptsFailed)
	assert.Empty(t, repo.logged)
}

func TestDispatch_ExhaustionPreservesLastUpstreamError(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k1", "k1"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		respond(500, `{"error":"a"}`),
		respond(502, `{"error":"b"}`),
		respond(503, `{"error":"c"}`),
	}}
	d := newDispatcher(repo, sel, caller, 3)

	_, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllAttemptsFailed)

	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 503, ue.StatusCode)
	assert.JSONEq(t, `{"error":"c"}`, string(ue.Body))
	assert.Empty(t, repo.deactivated, "5xx does not deactivate")
}

func TestDispatch_TransportErrorDeactivates(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k2"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		transportFail(),
		respond(200, `{"id":"x"}`),
	}}
	d := newDispatcher(repo, sel, caller, 5)

	out, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, []string{"k1"}, repo.deactivated)
}

func TestDispatch_TransportExhaustion(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k2"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		transportFail(),
		transportFail(),
	}}
	d := newDispatcher(repo, sel, caller, 2)

	_, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllAttemptsFailed)
	var ue *domain.UpstreamError
	assert.False(t, errors.As(err, &ue), "transport exhaustion carries no upstream status")
	assert.Equal(t, []string{"k1", "k2"}, repo.deactivated)
}

func TestDispatch_RingDrainedMidLoop(t *testing.T) {
	// KeyFault on attempt 1 empties the ring; later attempts find no keys
	// but the terminal error still carries the upstream 429.
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "", ""}}
	caller := &callerStub{results: []func() (*http.Response, error){
		respond(429, `{"error":"rate"}`),
	}}
	d := newDispatcher(repo, sel, caller, 3)

	_, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllAttemptsFailed)
	var ue *domain.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 429, ue.StatusCode)
	assert.Equal(t, []string{"k1"}, repo.deactivated)
}

func TestDispatch_RetriesClampedToOne(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k2"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		respond(500, `{"error":"a"}`),
		respond(200, `{"id":"x"}`),
	}}
	d := newDispatcher(repo, sel, caller, 0)

	_, err := d.ChatCompletions(context.Background(), []byte(`{}`), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAllAttemptsFailed)
	assert.Len(t, caller.secrets, 1, "exactly one attempt")
}

func TestDispatch_DownstreamCancelled(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k2"}}
	ctx, cancel := context.WithCancel(context.Background())
	caller := &callerStub{results: []func() (*http.Response, error){
		func() (*http.Response, error) { cancel(); return nil, context.Canceled },
	}}
	d := newDispatcher(repo, sel, caller, 5)

	_, err := d.ChatCompletions(ctx, []byte(`{}`), "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, caller.secrets, 1, "no retry after downstream cancel")
	assert.Empty(t, repo.deactivated, "cancellation is not a key fault")
}

func TestDispatch_Models(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		respond(200, `{"object":"list","data":[]}`),
	}}
	d := newDispatcher(repo, sel, caller, 5)

	out, err := d.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, []string{"k1"}, repo.logged)
}

func TestDispatchStream_RelaysChunks(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1"}}
	sse := "data: {\"choices\":[]}\n\ndata: [DONE]\n\n"
	caller := &callerStub{results: []func() (*http.Response, error){
		func() (*http.Response, error) {
			h := http.Header{}
			h.Set("Content-Type", "text/event-stream")
			return &http.Response{
				StatusCode: 200,
				Header:     h,
				Body:       io.NopCloser(bytes.NewReader([]byte(sse))),
			}, nil
		},
	}}
	d := newDispatcher(repo, sel, caller, 5)

	rec := httptest.NewRecorder()
	err := d.ChatCompletionsStream(context.Background(), rec, []byte(`{"stream":true}`), "m")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, sse, rec.Body.String())
	assert.Equal(t, []string{"k1"}, repo.logged, "accounting fires before relay")
}

func TestDispatchStream_MidStreamFailureAbortsConnection(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		func() (*http.Response, error) {
			body := io.MultiReader(
				bytes.NewReader([]byte("data: chunk1\n\n")),
				iotest.ErrReader(errors.New("connection reset by peer")),
			)
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
				Body:       io.NopCloser(body),
			}, nil
		},
	}}
	d := newDispatcher(repo, sel, caller, 5)

	rec := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		_ = d.ChatCompletionsStream(context.Background(), rec, []byte(`{"stream":true}`), "m")
	})
	assert.Equal(t, "data: chunk1\n\n", rec.Body.String(), "delivered bytes stay verbatim, no error payload appended")
	assert.Equal(t, []string{"k1"}, repo.logged, "accounting already fired on the 200")
	assert.Empty(t, repo.deactivated, "mid-stream failure never changes key status")
}

func TestDispatchStream_NonOKAtOpenRetries(t *testing.T) {
	repo := &repoStub{}
	sel := &selectorStub{sequence: []string{"k1", "k2"}}
	caller := &callerStub{results: []func() (*http.Response, error){
		respond(429, `{"error":"rate"}`),
		func() (*http.Response, error) {
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
				Body:       io.NopCloser(bytes.NewReader([]byte("data: [DONE]\n\n"))),
			}, nil
		},
	}}
	d := newDispatcher(repo, sel, caller, 5)

	rec := httptest.NewRecorder()
	err := d.ChatCompletionsStream(context.Background(), rec, []byte(`{"stream":true}`), "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, repo.deactivated)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}
