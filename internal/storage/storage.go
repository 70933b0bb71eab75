// Package storage defines persistence interfaces for the runtime.
package storage

import (
	"context"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// UsageStore manages LLM usage record persistence. Records back the budget
// windows and the admin analytics surface; rows older than the retention
// horizon are dropped by DeleteUsageBefore.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []connector.UsageRecord) error
	ListUsageSince(ctx context.Context, since time.Time) ([]connector.UsageRecord, error)
	QueryUsage(ctx context.Context, f connector.UsageFilter) ([]connector.UsageRecord, error)
	CountUsage(ctx context.Context, f connector.UsageFilter) (int, error)
	SumUsageCost(ctx context.Context, orgID string) (float64, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OrgStore manages organization persistence. GetOrganization satisfies
// residency.Store; AddSpend satisfies budget.OrgService.
type OrgStore interface {
	CreateOrganization(ctx context.Context, org *connector.Organization) error
	GetOrganization(ctx context.Context, id string) (*connector.Organization, error)
	ListOrganizations(ctx context.Context, offset, limit int) ([]*connector.Organization, error)
	UpdateOrganization(ctx context.Context, org *connector.Organization) error
	DeleteOrganization(ctx context.Context, id string) error
	AddSpend(ctx context.Context, orgID string, costUSD float64) error
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	OrgStore
	Close() error
}
