package channel

import "github.com/rotisserie/eris"

var (
	// ErrUnknownChannel is returned for a channel ID outside the registered set.
	ErrUnknownChannel = eris.New("unknown channel")

	// ErrMessageTooLarge is returned when a single message can't fit in one packet.
	ErrMessageTooLarge = eris.New("message exceeds MTU")

	// ErrRetriesExhausted is returned by Flush when a reliable message was resent MaxRetries times
	// without being acknowledged. The connection should be dropped.
	ErrRetriesExhausted = eris.New("reliable message retries exhausted")

	// ErrSendWindowFull is returned when too many reliable messages are awaiting acknowledgement.
	ErrSendWindowFull = eris.New("reliable send window is full")

	// ErrMalformedPacket is returned for bytes that don't decode into a packet.
	ErrMalformedPacket = eris.New("malformed packet")
)
