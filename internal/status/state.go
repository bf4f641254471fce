package status

import (
	"fmt"
	"slices"
)

// State represents the delivery state of a locally-tracked message.
type State string

const (
	Sending   State = "SENDING"
	Sent      State = "SENT"
	Delivered State = "DELIVERED"
	Seen      State = "SEEN"
	Failed    State = "FAILED"
	Revoked   State = "REVOKED"
)

// validTransitions defines allowed delivery state transitions. Revoked is
// terminal and reachable from any post-send state.
var validTransitions = map[State][]State{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Seen, Revoked},
	Delivered: {Seen, Revoked},
	Seen:      {Revoked},
	Failed:    {Sending},
	Revoked:   {},
}

// rank orders the post-send progression so feed-derived updates never move a
// message backwards. Sending and Failed sit outside the progression.
var rank = map[State]int{
	Sent:      1,
	Delivered: 2,
	Seen:      3,
}

// Validate returns an error if moving from one state to another is not allowed.
func Validate(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Advances reports whether to is a strictly later point in the delivery
// progression than from. Used when deriving status from receipt sets, where
// stale snapshots may arrive out of order.
func Advances(from, to State) bool {
	return rank[to] > rank[from]
}

// Derive computes the delivery state implied by receipt sets: seen wins over
// delivered, and an empty pair leaves the message at Sent.
func Derive(seenCount, deliveredCount int) State {
	switch {
	case seenCount > 0:
		return Seen
	case deliveredCount > 0:
		return Delivered
	default:
		return Sent
	}
}
