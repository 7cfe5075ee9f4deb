// Package chat holds the domain vocabulary shared by the registry, the
// websocket sessions and the REST handlers: room keys, message identifiers
// and the closed set of wire events.
package chat

import (
	"fmt"
	"math/rand/v2"
)

// Message ids are random 10-digit numbers.
const (
	minMessageID = 1_000_000_000
	maxMessageID = 9_999_999_999
)

// NewMessageID returns a candidate message identifier. Callers that persist
// messages must retry on a uniqueness violation.
func NewMessageID() int64 {
	return minMessageID + rand.Int64N(maxMessageID-minMessageID+1)
}

// DMRoomKey derives the canonical room identifier for a pairwise conversation.
// It is symmetric: both participants resolve to the same room no matter who
// initiates.
func DMRoomKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d_%d", a, b)
}
