package consts

import "time"

const (
	// MaxForwards is the daily forwarding ceiling applied when a user has
	// no explicit limit.
	MaxForwards = 2000

	// MaxQueueTargets bounds the number of queue records a single outbound
	// message may expand into; record sequence numbers are two hex digits.
	MaxQueueTargets = 0xff

	ForwardWindow     = 24 * time.Hour
	AutoreplyInterval = 4 * 24 * time.Hour
	ReceivedWindow    = 24 * time.Hour

	// Counter key prefixes.
	ForwardCounterPrefix   = "wdf:"
	AutoreplyCounterPrefix = "wda:"
	ReceivedCounterPrefix  = "wdr:"
)
