// Package secretstore provides the cached, versioned credential store used by
// tenantkeys.
//
// A Store sits in front of a Backend: the durable system that actually keeps
// secret versions (GCP Secret Manager, AWS Secrets Manager, Azure Key Vault,
// the OS keyring, ...). Backends live in internal/secretstores; this package
// only defines the contract they implement.
//
// # Naming
//
// Secret names are derived by callers, never by the store:
//
//	ai-openai                 shared credential
//	ai-openai-acme            dedicated credential for tenant "acme"
//	ai-openai-acme-customer   credential supplied by tenant "acme"
//	ai-openai-admin           admin credential for the provider
//
// # Versions
//
// Every Put appends a new version to the named container. Version numbers
// are assigned by the backend and are strictly increasing per name, which is
// the only cross-request ordering guarantee tenantkeys relies on. Old
// versions stay retrievable with GetVersion for audit.
//
// # Caching
//
// Reads are served from an in-process cache keyed by (namespace, name) for a
// fixed TTL, five minutes by default. Cached values are sealed in memguard
// enclaves and decrypted only while a call is returning them. An entry older
// than the TTL is never served; the backend is consulted instead.
//
// Writes refresh the cache. If a concurrent writer already cached a newer
// version, the older write leaves the cache alone:
//
//	v, err := store.Put(ctx, "ai-hume-acme", key, secretstore.Metadata{TenantID: "acme"})
//	rec, err := store.Get(ctx, "ai-hume-acme") // served from cache
//
// # References
//
// Configuration values may point into a store with a reference URI:
//
//	store://gcp/billing-webhook-token
//	store://gcp/usage-log-dsn?version=3
//
// See ParseRef.
//
// # Security
//
// Store never logs secret values. Backends must not either; use
// logging.Secret when a value has to pass through a formatted message.
package secretstore
