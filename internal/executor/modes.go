package executor

import "time"

// HotPollingVerificationPeriod is how many empty polls a hot worker makes
// between idle-time checks.
const HotPollingVerificationPeriod = 10000

// PollingMode is the state of a worker's polling loop.
type PollingMode int32

const (
	// ModeHot busy-polls and falls back to warm after the hot timeout.
	ModeHot PollingMode = iota
	// ModeWarm blocks on the completion channel and returns to hot on work.
	ModeWarm
	// ModeHotAlways busy-polls forever.
	ModeHotAlways
	// ModeWarmAlways always blocks between invocations.
	ModeWarmAlways
)

func (m PollingMode) String() string {
	switch m {
	case ModeHot:
		return "hot"
	case ModeWarm:
		return "warm"
	case ModeHotAlways:
		return "hot_always"
	case ModeWarmAlways:
		return "warm_always"
	default:
		return "unknown"
	}
}

// Pinned reports whether the mode never transitions.
func (m PollingMode) Pinned() bool { return m == ModeHotAlways || m == ModeWarmAlways }

// Busy reports whether the mode spins on the completion queue.
func (m PollingMode) Busy() bool { return m == ModeHot || m == ModeHotAlways }

// ModeFor picks the starting mode for a hot timeout: negative pins hot, zero
// pins warm, anything else starts hot and adapts.
func ModeFor(hotTimeout time.Duration) PollingMode {
	switch {
	case hotTimeout < 0:
		return ModeHotAlways
	case hotTimeout == 0:
		return ModeWarmAlways
	default:
		return ModeHot
	}
}

// nextMode decides the mode after a poll. It is level-triggered: work always
// brings an adaptive worker back to hot, and an idle period of at least
// timeout moves a hot worker to warm.
func nextMode(mode PollingMode, idle, timeout time.Duration, work bool) PollingMode {
	if mode.Pinned() {
		return mode
	}

	if work {
		return ModeHot
	}

	if mode == ModeHot && timeout > 0 && idle >= timeout {
		return ModeWarm
	}

	return mode
}
