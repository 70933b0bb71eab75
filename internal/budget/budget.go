// Package budget enforces LLM spend limits and caches planner responses.
// Windows are computed over retained usage records on every check, never
// stored materialized, so window boundaries need no rollover bookkeeping.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/telemetry"
)

// RetentionDays is how long usage records are kept, in memory and at rest.
const RetentionDays = 90

// Config holds the spend caps and thresholds. Zero caps mean unlimited.
type Config struct {
	DailyLimitUSD        float64 `json:"dailyLimitUSD"`
	MonthlyLimitUSD      float64 `json:"monthlyLimitUSD"`
	PerUserDailyLimitUSD float64 `json:"perUserDailyLimitUSD"`
	PerWorkflowLimitUSD  float64 `json:"perWorkflowLimitUSD"`

	// AlertThresholds are percentages of the daily limit that emit an alert
	// when first crossed each day.
	AlertThresholds []int `json:"alertThresholds,omitempty"`
	// EmergencyStopThreshold is the percentage of the daily or monthly limit
	// at which all spending stops, leaving headroom below the hard caps.
	EmergencyStopThreshold float64 `json:"emergencyStopThreshold"`
}

// DefaultConfig returns the caps applied when the deployment does not
// configure its own.
func DefaultConfig() Config {
	return Config{
		DailyLimitUSD:          50,
		MonthlyLimitUSD:        500,
		PerUserDailyLimitUSD:   10,
		PerWorkflowLimitUSD:    5,
		AlertThresholds:        []int{50, 80, 95},
		EmergencyStopThreshold: 95,
	}
}

// ConfigPatch is a partial config update; nil fields keep their value.
type ConfigPatch struct {
	DailyLimitUSD          *float64 `json:"dailyLimitUSD,omitempty"`
	MonthlyLimitUSD        *float64 `json:"monthlyLimitUSD,omitempty"`
	PerUserDailyLimitUSD   *float64 `json:"perUserDailyLimitUSD,omitempty"`
	PerWorkflowLimitUSD    *float64 `json:"perWorkflowLimitUSD,omitempty"`
	AlertThresholds        []int    `json:"alertThresholds,omitempty"`
	EmergencyStopThreshold *float64 `json:"emergencyStopThreshold,omitempty"`
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Status  Status `json:"status"`
}

// Status reports the spend state the decision was made against. The estimate
// is informational: checks gate on recorded spend, with the emergency
// threshold providing headroom below the hard caps.
type Status struct {
	EstimateUSD        float64 `json:"estimateUSD"`
	DailySpentUSD      float64 `json:"dailySpentUSD"`
	MonthlySpentUSD    float64 `json:"monthlySpentUSD"`
	DailyLimitUSD      float64 `json:"dailyLimitUSD"`
	MonthlyLimitUSD    float64 `json:"monthlyLimitUSD"`
	UserDailySpentUSD  float64 `json:"userDailySpentUSD,omitempty"`
	WorkflowSpentUSD   float64 `json:"workflowSpentUSD,omitempty"`
}

// ExecutionUsage aggregates the LLM spend of one workflow execution.
type ExecutionUsage struct {
	ExecutionID string  `json:"execution_id"`
	Calls       int     `json:"calls"`
	TokensUsed  int     `json:"tokens_used"`
	CostUSD     float64 `json:"cost_usd"`
}

// OrgService receives per-organization spend as it is recorded.
type OrgService interface {
	AddSpend(ctx context.Context, orgID string, costUSD float64) error
}

// UsageSink receives each recorded usage event for persistence. Must not
// block; the usage recorder worker buffers behind this.
type UsageSink interface {
	Record(rec connector.UsageRecord)
}

// UsageStore reloads retained usage records, typically from SQLite, so
// budget windows survive restarts.
type UsageStore interface {
	ListUsageSince(ctx context.Context, since time.Time) ([]connector.UsageRecord, error)
}

// AlertFunc is invoked once per day per crossed alert threshold.
type AlertFunc func(thresholdPct int, spentUSD, limitUSD float64)

// Deps holds the Manager's optional collaborators.
type Deps struct {
	Orgs    OrgService         // nil = no org spend forwarding
	Sink    UsageSink          // nil = records stay in memory only
	Metrics *telemetry.Metrics // nil = no metrics
	Alert   AlertFunc          // nil = log a warning
}

// Manager tracks LLM usage, answers budget checks, and owns the response
// cache. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	records []connector.UsageRecord
	execs   map[string]*ExecutionUsage
	alerted map[string]bool

	cache *Cache
	deps  Deps
	now   func() time.Time
}

// NewManager returns a Manager enforcing cfg. A nil cache gets the defaults.
func NewManager(cfg Config, cache *Cache, deps Deps) *Manager {
	if cache == nil {
		cache = NewCache(0, 0)
	}
	return &Manager{
		cfg:     cfg,
		execs:   make(map[string]*ExecutionUsage),
		alerted: make(map[string]bool),
		cache:   cache,
		deps:    deps,
		now:     time.Now,
	}
}

// Config returns a snapshot of the current caps and thresholds.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig applies a partial config change at runtime and returns the
// effective config.
func (m *Manager) UpdateConfig(patch ConfigPatch) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.DailyLimitUSD != nil {
		m.cfg.DailyLimitUSD = *patch.DailyLimitUSD
	}
	if patch.MonthlyLimitUSD != nil {
		m.cfg.MonthlyLimitUSD = *patch.MonthlyLimitUSD
	}
	if patch.PerUserDailyLimitUSD != nil {
		m.cfg.PerUserDailyLimitUSD = *patch.PerUserDailyLimitUSD
	}
	if patch.PerWorkflowLimitUSD != nil {
		m.cfg.PerWorkflowLimitUSD = *patch.PerWorkflowLimitUSD
	}
	if patch.AlertThresholds != nil {
		m.cfg.AlertThresholds = patch.AlertThresholds
	}
	if patch.EmergencyStopThreshold != nil {
		m.cfg.EmergencyStopThreshold = *patch.EmergencyStopThreshold
	}
	return m.cfg
}

// CheckBudget decides whether an LLM call estimated at estimateUSD may
// proceed. Checks run in order: emergency stop against the daily and monthly
// limits, daily cap, monthly cap, per-user daily cap, per-workflow cap.
// userID and workflowID are optional; empty values skip their caps.
func (m *Manager) CheckBudget(ctx context.Context, estimateUSD float64, userID, workflowID string) Decision {
	m.mu.RLock()
	cfg := m.cfg
	now := m.now().UTC()
	daily := m.spentLocked(startOfDay(now), nil)
	monthly := m.spentLocked(startOfMonth(now), nil)
	var userDaily, workflow float64
	if userID != "" {
		userDaily = m.spentLocked(startOfDay(now), func(r *connector.UsageRecord) bool {
			return r.UserID == userID
		})
	}
	if workflowID != "" {
		workflow = m.spentLocked(time.Time{}, func(r *connector.UsageRecord) bool {
			return r.WorkflowID == workflowID
		})
	}
	m.mu.RUnlock()

	st := Status{
		EstimateUSD:       estimateUSD,
		DailySpentUSD:     daily,
		MonthlySpentUSD:   monthly,
		DailyLimitUSD:     cfg.DailyLimitUSD,
		MonthlyLimitUSD:   cfg.MonthlyLimitUSD,
		UserDailySpentUSD: userDaily,
		WorkflowSpentUSD:  workflow,
	}

	if cfg.EmergencyStopThreshold > 0 {
		if cfg.DailyLimitUSD > 0 && daily >= cfg.DailyLimitUSD*cfg.EmergencyStopThreshold/100 {
			return m.deny(st, "emergency_stop",
				"Emergency budget stop: daily spend $%.2f reached %.0f%% of the $%.2f limit",
				daily, cfg.EmergencyStopThreshold, cfg.DailyLimitUSD)
		}
		if cfg.MonthlyLimitUSD > 0 && monthly >= cfg.MonthlyLimitUSD*cfg.EmergencyStopThreshold/100 {
			return m.deny(st, "emergency_stop",
				"Emergency budget stop: monthly spend $%.2f reached %.0f%% of the $%.2f limit",
				monthly, cfg.EmergencyStopThreshold, cfg.MonthlyLimitUSD)
		}
	}
	if cfg.DailyLimitUSD > 0 && daily >= cfg.DailyLimitUSD {
		return m.deny(st, "daily_cap",
			"Daily budget of $%.2f exhausted ($%.2f spent)", cfg.DailyLimitUSD, daily)
	}
	if cfg.MonthlyLimitUSD > 0 && monthly >= cfg.MonthlyLimitUSD {
		return m.deny(st, "monthly_cap",
			"Monthly budget of $%.2f exhausted ($%.2f spent)", cfg.MonthlyLimitUSD, monthly)
	}
	if userID != "" && cfg.PerUserDailyLimitUSD > 0 && userDaily >= cfg.PerUserDailyLimitUSD {
		return m.deny(st, "user_cap",
			"Daily budget of $%.2f for user %s exhausted ($%.2f spent)",
			cfg.PerUserDailyLimitUSD, userID, userDaily)
	}
	if workflowID != "" && cfg.PerWorkflowLimitUSD > 0 && workflow >= cfg.PerWorkflowLimitUSD {
		return m.deny(st, "workflow_cap",
			"Budget of $%.2f for workflow %s exhausted ($%.2f spent)",
			cfg.PerWorkflowLimitUSD, workflowID, workflow)
	}
	return Decision{Allowed: true, Status: st}
}

func (m *Manager) deny(st Status, metricReason, format string, args ...any) Decision {
	if m.deps.Metrics != nil {
		m.deps.Metrics.BudgetRejects.WithLabelValues(metricReason).Inc()
	}
	return Decision{Reason: fmt.Sprintf(format, args...), Status: st}
}

// RecordUsage appends a spend event, updates the per-execution aggregate,
// hands the record to the persistence sink, forwards organization spend, and
// emits alerts for newly crossed daily thresholds. Forwarding failures are
// logged, never propagated.
func (m *Manager) RecordUsage(ctx context.Context, rec connector.UsageRecord) {
	if rec.TS.IsZero() {
		rec.TS = m.now().UTC()
	}

	m.mu.Lock()
	m.records = append(m.records, rec)
	if rec.ExecutionID != "" {
		agg, ok := m.execs[rec.ExecutionID]
		if !ok {
			agg = &ExecutionUsage{ExecutionID: rec.ExecutionID}
			m.execs[rec.ExecutionID] = agg
		}
		agg.Calls++
		agg.TokensUsed += rec.TokensUsed
		agg.CostUSD += rec.CostUSD
	}
	cfg := m.cfg
	now := m.now().UTC()
	daily := m.spentLocked(startOfDay(now), nil)
	var crossed []int
	if cfg.DailyLimitUSD > 0 {
		day := now.Format(time.DateOnly)
		for _, pct := range cfg.AlertThresholds {
			if pct <= 0 || daily < cfg.DailyLimitUSD*float64(pct)/100 {
				continue
			}
			key := day + ":" + strconv.Itoa(pct)
			if !m.alerted[key] {
				m.alerted[key] = true
				crossed = append(crossed, pct)
			}
		}
	}
	m.mu.Unlock()

	for _, pct := range crossed {
		m.alert(pct, daily, cfg.DailyLimitUSD)
	}
	if m.deps.Sink != nil {
		m.deps.Sink.Record(rec)
	}
	if rec.OrganizationID != "" && m.deps.Orgs != nil {
		if err := m.deps.Orgs.AddSpend(ctx, rec.OrganizationID, rec.CostUSD); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "org spend forward failed",
				slog.String("org", rec.OrganizationID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) alert(pct int, spent, limit float64) {
	if m.deps.Alert != nil {
		m.deps.Alert(pct, spent, limit)
		return
	}
	slog.Warn("llm budget alert",
		"thresholdPct", pct,
		"spentUSD", spent,
		"limitUSD", limit,
	)
}

// ExecutionUsage returns the aggregate for one execution id.
func (m *Manager) ExecutionUsage(id string) (ExecutionUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg, ok := m.execs[id]
	if !ok {
		return ExecutionUsage{}, false
	}
	return *agg, true
}

// Resync replaces the in-memory window state with the store's retained
// records. Records still queued for insertion are invisible until the next
// resync; that drift window matches the flush interval of the usage writer.
func (m *Manager) Resync(ctx context.Context, store UsageStore) error {
	since := m.now().UTC().AddDate(0, 0, -RetentionDays)
	records, err := store.ListUsageSince(ctx, since)
	if err != nil {
		return fmt.Errorf("reload usage records: %w", err)
	}

	execs := make(map[string]*ExecutionUsage)
	for i := range records {
		r := &records[i]
		if r.ExecutionID == "" {
			continue
		}
		agg, ok := execs[r.ExecutionID]
		if !ok {
			agg = &ExecutionUsage{ExecutionID: r.ExecutionID}
			execs[r.ExecutionID] = agg
		}
		agg.Calls++
		agg.TokensUsed += r.TokensUsed
		agg.CostUSD += r.CostUSD
	}

	m.mu.Lock()
	m.records = records
	m.execs = execs
	m.mu.Unlock()
	return nil
}

// SweepRetention drops in-memory records older than RetentionDays along with
// stale alert marks, returning how many records left. The at-rest copy is
// swept by the storage layer.
func (m *Manager) SweepRetention(now time.Time) int {
	cutoff := now.UTC().AddDate(0, 0, -RetentionDays)
	today := now.UTC().Format(time.DateOnly)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	for _, r := range m.records {
		if !r.TS.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(m.records) - len(kept)
	m.records = kept

	for key := range m.alerted {
		if day, _, ok := strings.Cut(key, ":"); ok && day != today {
			delete(m.alerted, key)
		}
	}
	return removed
}

// SweepCache removes expired cache entries and returns how many left.
func (m *Manager) SweepCache(now time.Time) int {
	return m.cache.Sweep(now)
}

// GetCachedResponse returns the cached response for (provider, model, prompt)
// when present and unexpired.
func (m *Manager) GetCachedResponse(provider, model, prompt string) (Entry, bool) {
	e, ok := m.cache.Get(CacheKey(provider, model, prompt))
	if m.deps.Metrics != nil {
		if ok {
			m.deps.Metrics.CacheHits.Inc()
		} else {
			m.deps.Metrics.CacheMisses.Inc()
		}
	}
	return e, ok
}

// CacheResponse stores a response under its content address.
func (m *Manager) CacheResponse(provider, model, prompt, response string, tokensUsed int, costUSD float64) {
	m.cache.Put(CacheKey(provider, model, prompt), Entry{
		Prompt:     prompt,
		Response:   response,
		Model:      model,
		Provider:   provider,
		TokensUsed: tokensUsed,
		CostUSD:    costUSD,
	})
}

// spentLocked sums CostUSD over records with ts >= since matching the
// optional filter. Callers hold m.mu.
func (m *Manager) spentLocked(since time.Time, match func(*connector.UsageRecord) bool) float64 {
	var total float64
	for i := range m.records {
		r := &m.records[i]
		if !since.IsZero() && r.TS.Before(since) {
			continue
		}
		if match != nil && !match(r) {
			continue
		}
		total += r.CostUSD
	}
	return total
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
