// Package channel multiplexes logical message streams over one unreliable datagram link. Each
// channel has a delivery mode fixed at registration.
package channel

import "strings"

// ID identifies a channel on the wire. IDs are indices into the settings list both peers share.
type ID uint8

// Mode is a channel's delivery guarantee.
type Mode uint8

const (
	ModeUndefined         Mode = iota // Used as the zero value
	ModeUnreliable                    // Sequenced: anything older than the last delivered message is dropped
	ModeUnorderedReliable             // Every message arrives exactly once, in any order
	ModeOrderedReliable               // Every message arrives exactly once, in send order
)

const (
	unreliableString        = "unreliable"
	unorderedReliableString = "unordered_reliable"
	orderedReliableString   = "ordered_reliable"
	undefinedString         = "undefined"
)

func (m Mode) String() string {
	switch m {
	case ModeUnreliable:
		return unreliableString
	case ModeUnorderedReliable:
		return unorderedReliableString
	case ModeOrderedReliable:
		return orderedReliableString
	case ModeUndefined:
		return undefinedString
	default:
		return undefinedString
	}
}

// Reliable reports whether messages are retransmitted until acknowledged.
func (m Mode) Reliable() bool {
	return m == ModeUnorderedReliable || m == ModeOrderedReliable
}

// ParseMode converts a string to Mode.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case unreliableString:
		return ModeUnreliable
	case unorderedReliableString:
		return ModeUnorderedReliable
	case orderedReliableString:
		return ModeOrderedReliable
	default:
		return ModeUndefined
	}
}

// Settings declares one channel.
type Settings struct {
	Name string
	Mode Mode
}
