package models

import "time"

// UsageRecord is an immutable row of provider usage accounting, grounded on
// original_source/rust/crates/forge-db/src/usage_repository.rs.
type UsageRecord struct {
	ID           string
	AccountID    string
	Provider     string
	AgentID      *string
	SessionID    *string
	Model        *string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostCents    int64
	RequestCount int64
	RecordedAt   time.Time
	Metadata     map[string]any
}

// UsageSummary is a window aggregate over UsageRecords.
type UsageSummary struct {
	Input       int64
	Output      int64
	Total       int64
	CostCents   int64
	Requests    int64
	RecordCount int64
}

// DailyUsage is one (date, provider) roll-up row.
type DailyUsage struct {
	AccountID string
	Date      string // YYYY-MM-DD
	Provider  string
	UsageSummary
}

// UsageFilter bounds a summary/list query by optional since/until.
type UsageFilter struct {
	AccountID string
	Provider  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
