package credential

import "time"

// Unbounded is reported as a limit when the corresponding check is disabled.
const Unbounded int64 = -1

// QuotaStatus is a user's relay usage for the current day.
type QuotaStatus struct {
	Used       int64 `json:"used"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	Percentage int   `json:"percentage"`
	Unlimited  bool  `json:"unlimited"`
}

// Exhausted reports whether an enforced quota has no bytes left.
func (q QuotaStatus) Exhausted() bool {
	return !q.Unlimited && q.Remaining <= 0
}

// ConnectionStatus is a user's concurrent relay connection count against the cap.
type ConnectionStatus struct {
	Allowed   bool  `json:"allowed"`
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Unlimited bool  `json:"unlimited"`
}

// DayKey formats t as the UTC calendar day used to bucket quota records.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
