// Package keymgr manages the lifecycle of per-tenant provider credentials.
//
// A Manager resolves which credential a tenant should use for a service,
// auto-provisions dedicated credentials on first use, rotates them with
// validate-before-store semantics, and accepts credentials supplied by
// customer-managed tenants. Every resolution emits an AccessRecord.
//
// Concurrent first requests for the same (service, tenant) pair are
// collapsed into a single provisioning call. Rotations for one pair are
// serialized the same way; different pairs never block each other.
package keymgr
