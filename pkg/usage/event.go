// Package usage meters provider calls and attributes their cost to tenants.
//
// TrackUsage prices every event with the provider adapter, overwriting any
// caller estimate, and publishes it to the usage bus. When the bus is
// unavailable the event goes to a durable JSONL fallback log instead of
// failing the caller; Replay re-publishes that log later.
package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is one metered provider call. Events are immutable once tracked.
type Event struct {
	TraceID    string          `json:"trace_id"`
	TenantID   string          `json:"tenant_id"`
	UserID     string          `json:"user_id,omitempty"`
	Service    string          `json:"service"`
	Operation  string          `json:"operation"`
	TokensUsed int64           `json:"tokens_used"`
	DurationMs int64           `json:"duration_ms"`
	CostUSD    decimal.Decimal `json:"cost_usd"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Day returns the UTC calendar day of t at midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// OnDay reports whether the event happened on the UTC day of date.
func (e Event) OnDay(date time.Time) bool {
	return Day(e.Timestamp).Equal(Day(date))
}
