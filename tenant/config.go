package tenant

import "time"

// Config holds table names and cache settings shared by the Router and the
// onboarding Registry.
type Config struct {
	// TenantTable is the name of the tenant registry table. It holds one
	// record per tenant plus the lazily created namespace markers.
	// Default: "stockroom_tenants"
	TenantTable string

	// EntityTable is the name of the entities table. All tenant collections
	// live here, isolated by partition key.
	// Default: "stockroom_entities"
	EntityTable string

	// ConstraintTable is the name of the unique constraints table.
	// Default: "stockroom_unique_constraints"
	ConstraintTable string

	// HandleTTL is how long an unused handle stays cached before eviction.
	// Zero keeps handles for the process lifetime.
	HandleTTL time.Duration
}

// DefaultConfig returns sensible defaults for a single-deployment install.
func DefaultConfig() Config {
	return Config{
		TenantTable:     "stockroom_tenants",
		EntityTable:     "stockroom_entities",
		ConstraintTable: "stockroom_unique_constraints",
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.TenantTable == "" {
		c.TenantTable = "stockroom_tenants"
	}
	if c.EntityTable == "" {
		c.EntityTable = "stockroom_entities"
	}
	if c.ConstraintTable == "" {
		c.ConstraintTable = "stockroom_unique_constraints"
	}
	if c.HandleTTL < 0 {
		c.HandleTTL = 0
	}
}
