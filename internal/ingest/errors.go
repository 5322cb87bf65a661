package ingest

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps store failures so the ingestion caller can tell
// the upstream transport to redeliver. The raw message is not durably recorded
// in this case.
var ErrStoreUnavailable = errors.New("store unavailable")

// ParseError reports an unparseable envelope. The raw message is still
// retained unlinked for audit; no fusion attempt follows.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Reason
}

// IdentityError reports an envelope with no identifier that resolves to a
// known or creatable payload. The raw message is retained unlinked.
type IdentityError struct {
	Identifier string
	Reason     string
}

func (e *IdentityError) Error() string {
	if e.Identifier == "" {
		return "identity error: " + e.Reason
	}
	return fmt.Sprintf("identity error: %q: %s", e.Identifier, e.Reason)
}
