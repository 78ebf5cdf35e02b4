package executor

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafaas/internal/metrics"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// BillingGranularity is how much time a bucket accumulates before it is
// flushed to the lease's counters.
const BillingGranularity = time.Second

// Bucket selects an accounting counter.
type Bucket int

const (
	BucketHotPolling Bucket = iota
	BucketExecution
)

func (b Bucket) String() string {
	if b == BucketExecution {
		return "execution"
	}

	return "hot_polling"
}

// Offset returns the bucket's byte offset in a lease's counter record.
func (b Bucket) Offset() uint32 {
	if b == BucketExecution {
		return protocol.AccountingExecOffset
	}

	return protocol.AccountingHotOffset
}

// AccountingSink receives flushed accounting totals.
type AccountingSink interface {
	Add(b Bucket, d time.Duration) error
}

// Accounting accumulates one worker's billed time. It is not safe for
// concurrent use; each worker owns its own.
type Accounting struct {
	sink    AccountingSink
	buckets [2]time.Duration
}

// NewAccounting creates an accounting record. A nil sink keeps the totals
// local and discards them on flush.
func NewAccounting(sink AccountingSink) *Accounting {
	return &Accounting{sink: sink}
}

// AddHotPolling charges busy-polling time.
func (a *Accounting) AddHotPolling(d time.Duration) { a.add(BucketHotPolling, d) }

// AddExecution charges function execution time.
func (a *Accounting) AddExecution(d time.Duration) { a.add(BucketExecution, d) }

// Pending returns the unflushed time in bucket b.
func (a *Accounting) Pending(b Bucket) time.Duration { return a.buckets[b] }

func (a *Accounting) add(b Bucket, d time.Duration) {
	if d <= 0 {
		return
	}

	a.buckets[b] += d
	if a.buckets[b] > BillingGranularity {
		a.flush(b)
	}
}

// Flush sends every non-empty bucket to the sink.
func (a *Accounting) Flush() {
	a.flush(BucketHotPolling)
	a.flush(BucketExecution)
}

func (a *Accounting) flush(b Bucket) {
	d := a.buckets[b]
	if d == 0 {
		return
	}

	a.buckets[b] = 0

	metrics.RecordAccountingFlush(b.String(), d)

	if a.sink == nil {
		return
	}

	if err := a.sink.Add(b, d); err != nil {
		log.Warn().Err(err).Str("bucket", b.String()).Dur("amount", d).Msg("Failed to flush accounting")
	}
}
