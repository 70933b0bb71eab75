package budget

import (
	"slices"
	"strings"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// CostBucket is one aggregated row of a usage report.
type CostBucket struct {
	Key        string  `json:"key"`
	CostUSD    float64 `json:"cost_usd"`
	TokensUsed int     `json:"tokens_used"`
	Count      int     `json:"count"`
}

// Report is the on-demand usage analytics over ts >= Since.
type Report struct {
	Since        time.Time    `json:"since"`
	Records      int          `json:"records"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	TotalTokens  int          `json:"total_tokens"`
	TopModels    []CostBucket `json:"top_models"`
	TopProviders []CostBucket `json:"top_providers"`
	TopUsers     []CostBucket `json:"top_users"`
	TopWorkflows []CostBucket `json:"top_workflows"`
	CostByDay    []CostBucket `json:"cost_by_day"`
}

const defaultTopN = 10

// TopModels returns the n most expensive models since the given time.
func (m *Manager) TopModels(since time.Time, n int) []CostBucket {
	return m.top(since, n, func(r *connector.UsageRecord) string { return r.Model })
}

// TopProviders returns the n most expensive providers since the given time.
func (m *Manager) TopProviders(since time.Time, n int) []CostBucket {
	return m.top(since, n, func(r *connector.UsageRecord) string { return r.Provider })
}

// TopUsers returns the n most expensive users since the given time. Records
// without a user are excluded.
func (m *Manager) TopUsers(since time.Time, n int) []CostBucket {
	return m.top(since, n, func(r *connector.UsageRecord) string { return r.UserID })
}

// TopWorkflows returns the n most expensive workflows since the given time.
// Records without a workflow are excluded.
func (m *Manager) TopWorkflows(since time.Time, n int) []CostBucket {
	return m.top(since, n, func(r *connector.UsageRecord) string { return r.WorkflowID })
}

// CostByDay returns per-day spend since the given time in ascending date
// order, keyed by UTC date.
func (m *Manager) CostByDay(since time.Time) []CostBucket {
	buckets := m.aggregate(since, func(r *connector.UsageRecord) string {
		return r.TS.UTC().Format(time.DateOnly)
	})
	slices.SortFunc(buckets, func(a, b CostBucket) int {
		return strings.Compare(a.Key, b.Key)
	})
	return buckets
}

// Analytics assembles the full report for the admin surface.
func (m *Manager) Analytics(since time.Time, n int) Report {
	rep := Report{
		Since:        since,
		TopModels:    m.TopModels(since, n),
		TopProviders: m.TopProviders(since, n),
		TopUsers:     m.TopUsers(since, n),
		TopWorkflows: m.TopWorkflows(since, n),
		CostByDay:    m.CostByDay(since),
	}

	m.mu.RLock()
	for i := range m.records {
		r := &m.records[i]
		if r.TS.Before(since) {
			continue
		}
		rep.Records++
		rep.TotalCostUSD += r.CostUSD
		rep.TotalTokens += r.TokensUsed
	}
	m.mu.RUnlock()
	return rep
}

// top aggregates by key and returns the n costliest buckets, ties broken by
// key so reports are stable.
func (m *Manager) top(since time.Time, n int, keyFn func(*connector.UsageRecord) string) []CostBucket {
	if n <= 0 {
		n = defaultTopN
	}
	buckets := m.aggregate(since, keyFn)
	slices.SortFunc(buckets, func(a, b CostBucket) int {
		if a.CostUSD != b.CostUSD {
			if a.CostUSD > b.CostUSD {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	if len(buckets) > n {
		buckets = buckets[:n]
	}
	return buckets
}

func (m *Manager) aggregate(since time.Time, keyFn func(*connector.UsageRecord) string) []CostBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := make(map[string]*CostBucket)
	for i := range m.records {
		r := &m.records[i]
		if r.TS.Before(since) {
			continue
		}
		key := keyFn(r)
		if key == "" {
			continue
		}
		b, ok := agg[key]
		if !ok {
			b = &CostBucket{Key: key}
			agg[key] = b
		}
		b.CostUSD += r.CostUSD
		b.TokensUsed += r.TokensUsed
		b.Count++
	}

	out := make([]CostBucket, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	return out
}
