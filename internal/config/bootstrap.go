package config

import (
	"context"
	"errors"
	"log/slog"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// organizations are left untouched so runtime spend accumulation survives
// restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, o := range cfg.Orgs {
		if o.ID == "" {
			continue
		}
		existing, err := store.GetOrganization(ctx, o.ID)
		if err != nil && !errors.Is(err, connector.ErrNotFound) {
			return err
		}
		if existing != nil {
			continue // already exists, skip
		}
		org := &connector.Organization{
			ID:            o.ID,
			Name:          o.Name,
			Region:        o.Region,
			DataResidency: o.DataResidency,
		}
		if err := store.CreateOrganization(ctx, org); err != nil {
			return err
		}
		slog.Info("bootstrapped organization", "id", org.ID, "region", org.Region)
	}
	return nil
}
