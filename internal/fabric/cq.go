package fabric

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type notifyState uint8

const (
	notifyNone notifyState = iota
	notifyAll
	notifySolicited
)

// CompletionQueue is a bounded FIFO of work completions. It may be shared by
// several queue pairs; WorkCompletion.QPNum tells entries apart.
type CompletionQueue struct {
	channel  *CompletionChannel
	entries  []WorkCompletion
	head     int
	count    int
	overruns uint64
	armed    notifyState
	mu       sync.Mutex
}

// NewCompletionQueue creates a queue holding up to depth entries. A nil
// channel disables event notification.
func NewCompletionQueue(depth int, channel *CompletionChannel) *CompletionQueue {
	if depth <= 0 {
		depth = DefaultCQDepth
	}

	return &CompletionQueue{
		channel: channel,
		entries: make([]WorkCompletion, depth),
	}
}

// Channel returns the bound completion channel, if any.
func (cq *CompletionQueue) Channel() *CompletionChannel {
	return cq.channel
}

// Poll moves up to len(out) entries into out and returns how many it moved.
func (cq *CompletionQueue) Poll(out []WorkCompletion) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	n := 0
	for n < len(out) && cq.count > 0 {
		out[n] = cq.entries[cq.head]
		cq.head = (cq.head + 1) % len(cq.entries)
		cq.count--
		n++
	}

	return n
}

// Len returns the number of queued entries.
func (cq *CompletionQueue) Len() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	return cq.count
}

// Overruns returns how many completions were dropped because the queue was full.
func (cq *CompletionQueue) Overruns() uint64 {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	return cq.overruns
}

// RequestNotify arms a one-shot event on the bound channel for the next
// completion, or only the next solicited or failed completion.
func (cq *CompletionQueue) RequestNotify(solicitedOnly bool) error {
	if cq.channel == nil {
		return ErrInvalidConfig
	}

	cq.mu.Lock()
	if solicitedOnly {
		cq.armed = notifySolicited
	} else {
		cq.armed = notifyAll
	}
	cq.mu.Unlock()

	return nil
}

func (cq *CompletionQueue) push(wc WorkCompletion) bool {
	cq.mu.Lock()

	if cq.count == len(cq.entries) {
		cq.overruns++
		cq.mu.Unlock()

		log.Error().
			Uint32("qp_num", wc.QPNum).
			Str("opcode", wc.Opcode.String()).
			Int("depth", len(cq.entries)).
			Msg("Completion queue overrun, entry dropped")

		return false
	}

	cq.entries[(cq.head+cq.count)%len(cq.entries)] = wc
	cq.count++

	fire := false

	switch cq.armed {
	case notifyAll:
		fire = true
	case notifySolicited:
		fire = wc.Solicited() || !wc.Success()
	}

	if fire {
		cq.armed = notifyNone
	}

	cq.mu.Unlock()

	if fire && cq.channel != nil {
		cq.channel.notify()
	}

	return true
}
