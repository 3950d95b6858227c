package provision

import "errors"

// Sentinel errors for the resolve chain, checked with errors.Is.
var (
	// ErrStoreUnavailable indicates the durable store could not be reached.
	// Resolution aborts before any remote call so no orphaned resources are
	// created while persistence is down.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrProvisionFailed indicates remote resource creation failed. Nothing
	// partial is persisted.
	ErrProvisionFailed = errors.New("provisioning failed")

	// ErrAgentNotProvisioned indicates no agent exists for the identity in
	// either tier. Chat never creates resources; callers must provision
	// first.
	ErrAgentNotProvisioned = errors.New("agent not provisioned")
)
