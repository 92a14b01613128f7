package validator

import "errors"

// Rejection reasons surfaced to ingest callers and, ultimately, to OK-false
// messages and HTTP error bodies (spec §7).
var (
	ErrMalformed       = errors.New("malformed event")
	ErrBadSignature    = errors.New("invalid signature")
	ErrBadID           = errors.New("id does not match content hash")
	ErrUnsupportedKind = errors.New("unsupported kind")
	ErrExpiredEvent    = errors.New("expired event")
	ErrMissingTag      = errors.New("missing required tag")
	ErrInvalidTag      = errors.New("invalid tag value")
	ErrBadSchema       = errors.New("unexpected content schema")
)
