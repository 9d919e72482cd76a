package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into transport responses.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrForbidden: requester is not entitled to the operation
// - ErrAlreadyAnchored: audit record already carries an external proof hash
// - ErrImmutable: a mutation other than the anchoring transition was attempted
// - ErrUnavailable: service or resource temporarily unavailable
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrAlreadyAnchored = errors.New("already anchored")
	ErrImmutable       = errors.New("immutable")
	ErrUnavailable     = errors.New("unavailable")
)
