// Package registry loads connector definitions and serves them to the
// execution path through a read-through cache.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	connector "github.com/andersh/bifrost/internal"
)

// Repository is the source of connector definitions.
type Repository interface {
	// Get returns the definition with the given id. Unknown ids return a
	// config-kind error wrapping ErrConnectorNotFound.
	Get(ctx context.Context, id string) (*connector.Definition, error)
	// List returns all loadable definitions ordered by id.
	List(ctx context.Context) ([]*connector.Definition, error)
}

// FileRepository reads definitions from <dir>/<id>.json. The directory is
// curated out of band; the runtime only ever reads it.
type FileRepository struct {
	dir string
}

// NewFileRepository returns a repository over the given definitions directory.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

func (r *FileRepository) Get(ctx context.Context, id string) (*connector.Definition, error) {
	if !validID(id) {
		return nil, notFound(id)
	}
	data, err := os.ReadFile(filepath.Join(r.dir, id+".json"))
	if os.IsNotExist(err) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", id, err)
	}
	def, err := parseDefinition(id, data)
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (r *FileRepository) List(ctx context.Context) ([]*connector.Definition, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	defs := make([]*connector.Definition, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			slog.Warn("skipping unreadable definition", "file", name, "error", err)
			continue
		}
		def, err := parseDefinition(strings.TrimSuffix(name, ".json"), data)
		if err != nil {
			// A broken file must not hide the rest of the catalog.
			slog.Warn("skipping broken definition", "file", name, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b *connector.Definition) int {
		return strings.Compare(a.ID, b.ID)
	})
	return defs, nil
}

// parseDefinition decodes a definition file. The file name is authoritative
// for the id: a body declaring a different id is a curation bug and is
// rejected rather than silently renamed.
func parseDefinition(id string, data []byte) (*connector.Definition, error) {
	var def connector.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &connector.Error{
			Kind:    connector.KindInternal,
			Code:    connector.CodeInternal,
			Message: fmt.Sprintf("connector %s: malformed definition", id),
			Err:     err,
		}
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		return nil, connector.E(connector.KindInternal, connector.CodeInternal,
			"connector %s: definition declares id %q", id, def.ID)
	}
	return &def, nil
}

// validID rejects ids that could escape the definitions directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

func notFound(id string) error {
	return &connector.Error{
		Kind:    connector.KindConfig,
		Code:    connector.CodeConnectorNotFound,
		Message: fmt.Sprintf("unknown connector %q", id),
		Err:     connector.ErrConnectorNotFound,
	}
}

// DefaultCacheTTL bounds how stale a served definition may get.
const DefaultCacheTTL = time.Hour

// Service fronts a Repository with an in-memory cache so the execution hot
// path does not reparse definition files on every call. Misses are not
// cached; unknown connectors stay cheap to probe and become visible the
// moment their file lands.
type Service struct {
	repo  Repository
	cache *otter.Cache[string, *connector.Definition]
}

// NewService wraps repo with a read-through cache. A ttl outside (0,
// DefaultCacheTTL] collapses to DefaultCacheTTL.
func NewService(repo Repository, ttl time.Duration) *Service {
	if ttl <= 0 || ttl > DefaultCacheTTL {
		ttl = DefaultCacheTTL
	}
	cache := otter.Must(&otter.Options[string, *connector.Definition]{
		MaximumSize:      512,
		ExpiryCalculator: otter.ExpiryWriting[string, *connector.Definition](ttl),
	})
	return &Service{repo: repo, cache: cache}
}

func (s *Service) Get(ctx context.Context, id string) (*connector.Definition, error) {
	if def, ok := s.cache.GetIfPresent(id); ok {
		return def, nil
	}
	def, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, def)
	return def, nil
}

// List bypasses the cache: the admin surface wants the current catalog, not
// the read path's snapshot.
func (s *Service) List(ctx context.Context) ([]*connector.Definition, error) {
	return s.repo.List(ctx)
}

// Invalidate drops a cached definition so the next Get re-reads the source.
func (s *Service) Invalidate(id string) {
	s.cache.Invalidate(id)
}
