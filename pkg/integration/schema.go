package integration

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/tenant"
)

const (
	defaultSearchTimeout  = 180 * time.Second
	defaultSearchInterval = 5 * time.Second
)

// SchemaCache looks up integration schemas on the tenant. When Persistent is
// set the first search result is kept for the rest of the run: listing every
// installed integration is expensive on fully installed tenants.
type SchemaCache struct {
	Persistent bool

	timeout  time.Duration
	interval time.Duration

	mu      sync.Mutex
	schemas []tenant.IntegrationSchema
}

func NewSchemaCache(persistent bool) *SchemaCache {
	return &SchemaCache{
		Persistent: persistent,
		timeout:    defaultSearchTimeout,
		interval:   defaultSearchInterval,
	}
}

// Get returns the schema of an integration, or nil when the tenant does not
// have it installed.
func (c *SchemaCache) Get(ctx context.Context, client Client, name string) (*tenant.IntegrationSchema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	schemas := c.schemas
	if !c.Persistent || schemas == nil {
		var err error
		if schemas, err = c.search(ctx, client); err != nil {
			return nil, err
		}
		if c.Persistent {
			c.schemas = schemas
		}
	}
	for _, s := range schemas {
		if s.Name == name {
			clone := s.Clone()
			return &clone, nil
		}
	}
	return nil, nil
}

// search polls until the tenant lists its installed integrations.
func (c *SchemaCache) search(ctx context.Context, client Client) ([]tenant.IntegrationSchema, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		res, err := client.SearchIntegrations(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "search integrations")
		}
		if len(res.Configurations) > 0 {
			return res.Configurations, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("timeout - failed to get all integration configuration")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval):
		}
	}
}
