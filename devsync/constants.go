// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package devsync

// Mutation operations accepted by the store and carried on the wire.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Trust levels assignable to a device record. Mutated only by explicit
// user/admin action, never by the sync machinery itself.
const (
	TrustTrusted   = "trusted"
	TrustUntrusted = "untrusted"
	TrustUnknown   = "unknown"
)

// Error codes returned in ErrorResponse.Error.
const (
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
)

// DefaultChangeLimit bounds a single change-feed page when the client does
// not ask for a specific limit.
const DefaultChangeLimit = 200

// MaxChangeLimit is the hard upper bound for a change-feed page.
const MaxChangeLimit = 1000

// IsValidOp reports whether op is one of the wire mutation operations.
func IsValidOp(op string) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// IsValidTrustLevel reports whether level is a known trust level.
func IsValidTrustLevel(level string) bool {
	switch level {
	case TrustTrusted, TrustUntrusted, TrustUnknown:
		return true
	default:
		return false
	}
}
