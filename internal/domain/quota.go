package domain

import "time"

// DefaultQuotaBytes is the storage allowance granted to an owner whose
// quota row is created lazily on first upload.
const DefaultQuotaBytes int64 = 10 * 1024 * 1024

// Quota is the per-owner storage ledger. UsedBytes always equals the sum
// of declared sizes of the owner's live file entries; it is mutated only
// through the repository's atomic reserve/release operations.
type Quota struct {
	Owner      string    `json:"owner"`
	UsedBytes  int64     `json:"used_bytes"`
	LimitBytes int64     `json:"limit_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Available returns the remaining allowance, floored at zero.
func (q *Quota) Available() int64 {
	if q.UsedBytes >= q.LimitBytes {
		return 0
	}
	return q.LimitBytes - q.UsedBytes
}

// UsagePercent returns used/limit as a percentage.
func (q *Quota) UsagePercent() float64 {
	if q.LimitBytes <= 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.LimitBytes) * 100
}

// HasSpaceFor reports whether n more bytes fit under the limit. This is
// a read-side convenience only; the authoritative check is the atomic
// reserve in the quota repository.
func (q *Quota) HasSpaceFor(n int64) bool {
	return q.UsedBytes+n <= q.LimitBytes
}
