// Package blocking holds the enforcement adapters: local packet filter, CDN
// edge API and web-server deny rules. All adapters are idempotent; enforcing
// an already-blocked IP is a no-op, lifting an absent block succeeds.
package blocking

import "context"

// Backend is the shared contract of every enforcement adapter.
type Backend interface {
	Name() string

	// Enforce blocks ip and returns an opaque handle that speeds up later
	// removal. A handle may be empty when the backend does not need one.
	Enforce(ctx context.Context, ip, reason string) (handle string, err error)

	// Lift removes the block. Passing the handle from Enforce is optional;
	// adapters must cope with an empty handle.
	Lift(ctx context.Context, ip, handle string) error
}
