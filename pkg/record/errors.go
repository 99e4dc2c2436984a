package record

import "errors"

// Stable error identifiers for callers, operators and tests.
var (
	// Ingress validation.
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidNIF    = errors.New("invalid issuer NIF")

	// Chain store.
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrChainGap        = errors.New("sequence gap in chain")
	ErrBadLinkage      = errors.New("previous hash does not match chain head")
	ErrImmutableRecord = errors.New("record is immutable after final status")

	// Legal invariants.
	ErrModeLocked      = errors.New("operating mode is locked for the fiscal year")
	ErrModuleProtected = errors.New("module cannot be deactivated after activation")
	ErrConfigProtected = errors.New("configuration is protected and cannot be deleted")

	// Transmission.
	ErrAuthorityRejected  = errors.New("record rejected by tax authority")
	ErrCertificateExpired = errors.New("client certificate expired")
	ErrCertificateInvalid = errors.New("client certificate invalid")

	// Chain integrity.
	ErrChainCorrupted         = errors.New("hash chain corruption detected")
	ErrReconciliationConflict = errors.New("reconciliation conflict requires manual intervention")
)
