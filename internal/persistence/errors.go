package persistence

import "errors"

// ErrNoSnapshot is returned by LoadSnapshot when no snapshot has ever been
// saved for the given session, distinguishing a fresh session from a
// corrupt or unreadable one.
var ErrNoSnapshot = errors.New("persistence: no snapshot for session")
