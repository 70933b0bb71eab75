// Package residency reports where an organization's execution artifacts
// live. The executor consults it per call to tag audit entries; outbound HTTP
// routing never changes based on region.
package residency

import (
	"context"
	"errors"

	connector "github.com/andersh/bifrost/internal"
)

// Store is the organization lookup reports are built from. A missing
// organization may surface as (nil, nil) or connector.ErrNotFound; both are
// treated as unknown.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*connector.Organization, error)
}

// Service builds residency reports from stored organizations.
type Service struct {
	store Store
}

// NewService returns a Service reading from store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Report returns the residency assignment for orgID, or nil when the
// organization is unknown. Organizations without an assigned region report
// the default region.
func (s *Service) Report(ctx context.Context, orgID string) (*connector.ResidencyReport, error) {
	if orgID == "" {
		return nil, nil
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if errors.Is(err, connector.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, nil
	}

	region := org.Region
	if region == "" {
		region = connector.DefaultRegion
	}
	return &connector.ResidencyReport{
		Region:        region,
		DataResidency: org.DataResidency,
		Storage: connector.ResidencyStorage{
			SecretsNamespace: "secrets-" + region,
			FilePrefix:       region + "/files/" + org.ID + "/",
			LogPrefix:        region + "/logs/" + org.ID + "/",
		},
		Workloads: map[string]string{
			"executor": region,
			"storage":  region,
		},
	}, nil
}

// Region resolves just the region tag for audit entries. Unknown
// organizations and lookup failures fall back to the default region; audit
// tagging never fails an execution.
func (s *Service) Region(ctx context.Context, orgID string) string {
	report, err := s.Report(ctx, orgID)
	if err != nil || report == nil {
		return connector.DefaultRegion
	}
	return report.Region
}
