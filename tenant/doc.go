// Package tenant routes requests to isolated, tenant-scoped DynamoDB
// collections.
//
// Every business customer owns a private logical store identified by a
// short alphanumeric key assigned at onboarding. Within a store, each
// entity kind (category, unit, product, ...) is a separate logical
// collection. The [Router] resolves a (tenant key, entity kind) pair to a
// live [Handle] on that collection, lazily provisioning the tenant's
// namespace on first access.
//
// # Handle cache
//
// Handles are cached per (tenant key, entity kind) pair. Re-resolving the
// same pair returns a handle on the same underlying data, never a fresh
// empty collection. Concurrent first access is collapsed to a single
// provisioning write, so two simultaneous resolutions of a new pair cannot
// create divergent namespaces. Idle handles are evicted after
// [Config.HandleTTL]; zero disables eviction.
//
// # Admin store
//
// [AdminKey] names the shared administrative store holding the tenant
// registry and platform-level records. [Router.Bootstrap] provisions it at
// process start through the same resolution path as any other tenant.
//
// # Onboarding
//
// [Registry] creates tenants: it generates a key, writes the tenant record
// with a conditional put, and retries on collision until the key is unique.
// Keys are immutable once assigned and never deleted here.
package tenant
