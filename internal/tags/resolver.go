// Package tags maps external node identifiers onto durable tag identities.
// A tag is only created for a node that was read successfully from its
// live datasource.
package tags

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Store is the tag persistence the resolver needs.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetTag(ctx context.Context, tenantID string, tagID string) (*domain.Tag, error)
	GetTagByName(ctx context.Context, tenantID, dataSourceID, name string) (*domain.Tag, error)
	CreateTag(ctx context.Context, tenantID string, tag *domain.Tag) error
}

// Sources resolves datasources and verifies nodes against them.
// Implemented by *datasource.Pool.
type Sources interface {
	Config(ctx context.Context, tenantID, ref string) (datasource.SourceConfig, error)
	ReadNode(ctx context.Context, tenantID, ref, nodeID string) (*domain.DataValue, error)
}

// Resolver looks up and lazily creates tags.
type Resolver struct {
	store   Store
	sources Sources

	mu   sync.RWMutex
	byID map[string]*domain.Tag // tenant:tag id

	group singleflight.Group
}

// New creates a Resolver.
func New(store Store, sources Sources) *Resolver {
	return &Resolver{
		store:   store,
		sources: sources,
		byID:    make(map[string]*domain.Tag),
	}
}

// Validate reports whether nodeID matches the node identifier grammar.
func Validate(nodeID string) bool {
	return domain.ValidNodeID(nodeID)
}

// DataSourceID resolves ref, an id or a name, to a datasource id. An empty
// ref selects the tenant's default datasource.
func (r *Resolver) DataSourceID(ctx context.Context, tenantID, ref string) (string, error) {
	if ref == "" {
		tenant, err := r.store.GetTenant(ctx, tenantID)
		if err != nil {
			return "", err
		}
		if tenant.DefaultDataSourceID == "" {
			return "", domain.NewError(domain.KindValidation, "resolve datasource",
				"tenant has no default datasource").With("tenant_id", tenantID)
		}
		ref = tenant.DefaultDataSourceID
	}
	cfg, err := r.sources.Config(ctx, tenantID, ref)
	if err != nil {
		return "", err
	}
	return cfg.Meta().ID, nil
}

// GetOrCreate returns the tag named name in dataSourceID. When it does not
// exist yet, connectionString is validated and read from the live datasource
// before the tag row is created. A node that cannot be read yields a
// not-found error and no tag.
func (r *Resolver) GetOrCreate(ctx context.Context, tenantID, name, dataSourceID, connectionString string) (*domain.Tag, error) {
	tag, err := r.store.GetTagByName(ctx, tenantID, dataSourceID, name)
	if err == nil {
		r.remember(tag)
		return tag, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if _, err := domain.ParseNodeID(connectionString); err != nil {
		return nil, err
	}

	v, err, _ := r.group.Do(tenantID+":"+dataSourceID+":"+name, func() (any, error) {
		if _, err := r.sources.ReadNode(ctx, tenantID, dataSourceID, connectionString); err != nil {
			slog.Warn("node verification failed",
				"tenant_id", tenantID,
				"datasource_id", dataSourceID,
				"node_id", connectionString,
				"error", err,
			)
			return nil, &domain.Error{
				Kind:    domain.KindNotFound,
				Op:      "resolve tag",
				Message: "node could not be verified on datasource",
				Err:     err,
				Details: map[string]any{
					"tenant_id":     tenantID,
					"datasource_id": dataSourceID,
					"node_id":       connectionString,
				},
			}
		}

		tag := &domain.Tag{
			DataSourceID:     dataSourceID,
			Name:             name,
			ConnectionString: connectionString,
			Description:      "Auto-created tag for " + name,
			UnitOfMeasure:    "unknown",
			IsActive:         true,
		}
		if err := r.store.CreateTag(ctx, tenantID, tag); err != nil {
			return nil, err
		}
		slog.Info("tag created",
			"tenant_id", tenantID,
			"tag_id", tag.ID,
			"name", name,
			"datasource_id", dataSourceID,
		)
		return tag, nil
	})
	if err != nil {
		return nil, err
	}

	tag = v.(*domain.Tag)
	r.remember(tag)
	return tag, nil
}

// Get returns a tag by id, from memory when it was seen before.
func (r *Resolver) Get(ctx context.Context, tenantID, tagID string) (*domain.Tag, error) {
	r.mu.RLock()
	tag, ok := r.byID[tenantID+":"+tagID]
	r.mu.RUnlock()
	if ok {
		return tag, nil
	}

	tag, err := r.store.GetTag(ctx, tenantID, tagID)
	if err != nil {
		return nil, err
	}
	r.remember(tag)
	return tag, nil
}

func (r *Resolver) remember(tag *domain.Tag) {
	r.mu.Lock()
	r.byID[tag.TenantID+":"+tag.ID] = tag
	r.mu.Unlock()
}
