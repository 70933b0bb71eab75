package testutil

import (
	"context"
	"sync"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu      sync.RWMutex
	usage   []connector.UsageRecord
	orgs    map[string]*connector.Organization
	orgList []string // insertion order, so List is deterministic
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{orgs: make(map[string]*connector.Organization)}
}

// AddOrganization inserts an organization directly.
func (s *FakeStore) AddOrganization(org *connector.Organization) {
	s.mu.Lock()
	if _, ok := s.orgs[org.ID]; !ok {
		s.orgList = append(s.orgList, org.ID)
	}
	s.orgs[org.ID] = org
	s.mu.Unlock()
}

// --- UsageStore ---

// InsertUsage appends records.
func (s *FakeStore) InsertUsage(_ context.Context, records []connector.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

// ListUsageSince returns records with ts >= since.
func (s *FakeStore) ListUsageSince(_ context.Context, since time.Time) ([]connector.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []connector.UsageRecord
	for _, r := range s.usage {
		if !r.TS.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// QueryUsage filters records and applies offset/limit.
func (s *FakeStore) QueryUsage(_ context.Context, f connector.UsageFilter) ([]connector.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.match(f)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// CountUsage counts records matching the filter, ignoring offset/limit.
func (s *FakeStore) CountUsage(_ context.Context, f connector.UsageFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(f)), nil
}

// SumUsageCost totals cost for one organization.
func (s *FakeStore) SumUsageCost(_ context.Context, orgID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, r := range s.usage {
		if r.OrganizationID == orgID {
			sum += r.CostUSD
		}
	}
	return sum, nil
}

// DeleteUsageBefore drops records with ts < cutoff.
func (s *FakeStore) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.usage[:0]
	var dropped int64
	for _, r := range s.usage {
		if r.TS.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	s.usage = kept
	return dropped, nil
}

func (s *FakeStore) match(f connector.UsageFilter) []connector.UsageRecord {
	var out []connector.UsageRecord
	for _, r := range s.usage {
		if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		if f.Since != "" {
			if t, err := time.Parse(time.RFC3339, f.Since); err == nil && r.TS.Before(t) {
				continue
			}
		}
		if f.Until != "" {
			if t, err := time.Parse(time.RFC3339, f.Until); err == nil && r.TS.After(t) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// --- OrgStore ---

// CreateOrganization stores an organization; duplicate IDs conflict.
func (s *FakeStore) CreateOrganization(_ context.Context, org *connector.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return connector.ErrConflict
	}
	s.orgList = append(s.orgList, org.ID)
	s.orgs[org.ID] = org
	return nil
}

// GetOrganization looks up an organization by ID.
func (s *FakeStore) GetOrganization(_ context.Context, id string) (*connector.Organization, error) {
	s.mu.RLock()
	org, ok := s.orgs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, connector.ErrNotFound
	}
	return org, nil
}

// ListOrganizations returns organizations in insertion order.
func (s *FakeStore) ListOrganizations(_ context.Context, offset, limit int) ([]*connector.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.orgList) {
		return nil, nil
	}
	ids := s.orgList[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]*connector.Organization, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.orgs[id])
	}
	return out, nil
}

// UpdateOrganization replaces a stored organization.
func (s *FakeStore) UpdateOrganization(_ context.Context, org *connector.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return connector.ErrNotFound
	}
	s.orgs[org.ID] = org
	return nil
}

// DeleteOrganization removes an organization.
func (s *FakeStore) DeleteOrganization(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return connector.ErrNotFound
	}
	delete(s.orgs, id)
	for i, v := range s.orgList {
		if v == id {
			s.orgList = append(s.orgList[:i], s.orgList[i+1:]...)
			break
		}
	}
	return nil
}

// AddSpend accumulates spend on an organization.
func (s *FakeStore) AddSpend(_ context.Context, orgID string, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return connector.ErrNotFound
	}
	org.TotalSpendUSD += costUSD
	return nil
}

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
