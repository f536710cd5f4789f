// Package domain holds the core entities and ports of the key-rotation proxy.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateSecret   = errors.New("duplicate secret")
	ErrNoKeysAvailable   = errors.New("no active upstream keys available")
	ErrAllAttemptsFailed = errors.New("all dispatch attempts failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrStorage           = errors.New("storage error")
)

// KeyStatus is the lifecycle state of an upstream key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyInactive KeyStatus = "inactive"
	KeyRevoked  KeyStatus = "revoked"
)

// ValidStatus reports whether s is one of the three recognized states.
func ValidStatus(s KeyStatus) bool {
	return s == KeyActive || s == KeyInactive || s == KeyRevoked
}

// UpstreamKey is one credential in the pool.
// Invariants: Secret unique across the pool; ID immutable; TotalRequests
// never decreases; Revoked is terminal except by explicit operator action.
type UpstreamKey struct {
	ID            string
	Secret        string
	Status        KeyStatus
	Name          string
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	TotalRequests int64
}

// RequestLogEntry is one row of the append-only accounting log.
type RequestLogEntry struct {
	ID        string
	KeyID     string
	Timestamp time.Time
	Model     string
	Outcome   string
}

// Request-log outcomes.
const (
	OutcomeSuccess = "success"
)

// GlobalStats is the operator-facing statistics snapshot.
type GlobalStats struct {
	TotalAllTime int64 `json:"grand_total_requests_all_time"`
	Last1m       int64 `json:"grand_total_usage_last_1m"`
	Last1h       int64 `json:"grand_total_usage_last_1h"`
	Last24h      int64 `json:"grand_total_usage_last_24h"`
	ActiveKeys   int64 `json:"active_keys_count"`
	InactiveKeys int64 `json:"inactive_keys_count"`
	RevokedKeys  int64 `json:"revoked_keys_count"`
	TotalKeys    int64 `json:"total_keys_count"`
}

// PageInfo describes one page of a paginated listing.
type PageInfo struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// UpstreamError carries a non-200 upstream response through the retry loop so
// the terminal status and body can be surfaced verbatim to the caller.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, string(e.Body))
}

// KeyFault reports whether a status code signals a per-credential problem
// that must deactivate the candidate key.
func KeyFault(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests
}

// KeyRepository (port) is the persistent key pool and request log.
// Implementations: postgres (networked), sqlite (embedded).
type KeyRepository interface {
	Add(ctx Context, secret, name string) (string, error)
	GetByID(ctx Context, id string) (UpstreamKey, error)
	GetBySecret(ctx Context, secret string) (UpstreamKey, error)
	ListAll(ctx Context) ([]UpstreamKey, error)
	ListPaginated(ctx Context, page, pageSize int, status KeyStatus) ([]UpstreamKey, int64, error)
	ListActive(ctx Context, limit int) ([]UpstreamKey, error)
	SetStatus(ctx Context, id string, status KeyStatus) (bool, error)
	SetName(ctx Context, id, name string) (bool, error)
	TouchLastUsed(ctx Context, id string) (bool, error)
	IncrementTotalRequests(ctx Context, id string) (bool, error)
	Delete(ctx Context, id string) (bool, error)
	AppendLog(ctx Context, keyID, model, outcome string) error
	StatsSnapshot(ctx Context, now time.Time) (GlobalStats, error)
	PruneLogs(ctx Context, olderThan time.Time) (int64, error)
}

// UpstreamCaller (port) issues one upstream HTTP attempt bound to a secret.
// The caller owns the returned response body.
type UpstreamCaller interface {
	ChatCompletions(ctx Context, secret string, body []byte) (*http.Response, error)
	ListModels(ctx Context, secret string) (*http.Response, error)
}

// Context aliases context.Context; adapters pass context.Context through.
type Context = context.Context
