package fabric

import (
	"fmt"

	"github.com/piwi3910/nebulafaas/internal/metrics"
)

// Receive queue refill policy.
const (
	DefaultRecvLowWater = 8
	RecvBatchSize       = 32
)

// RecvQueueConfig configures a RecvQueue.
type RecvQueueConfig struct {
	// Depth is the number of receives kept posted after a refill.
	Depth int
	// LowWater triggers a refill when fewer receives remain posted.
	LowWater int
	// SGL is posted with every receive. Writes-with-immediate carry no
	// payload into it, so it may be empty.
	SGL ScatterGatherList
}

// RecvQueue keeps a connection able to absorb writes-with-immediate by
// topping up its posted receives in fixed-size batches.
type RecvQueue struct {
	conn        *Connection
	sgl         ScatterGatherList
	depth       int
	lowWater    int
	outstanding int
}

// NewRecvQueue creates a receive queue for conn. Nothing is posted until
// the first Refill.
func NewRecvQueue(conn *Connection, cfg RecvQueueConfig) (*RecvQueue, error) {
	if cfg.LowWater == 0 {
		cfg.LowWater = DefaultRecvLowWater
	}

	if cfg.LowWater < 1 || cfg.Depth < cfg.LowWater || cfg.Depth > conn.qp.maxRecv {
		return nil, fmt.Errorf("%w: receive depth %d with low water %d (max %d)",
			ErrInvalidConfig, cfg.Depth, cfg.LowWater, conn.qp.maxRecv)
	}

	return &RecvQueue{
		conn:     conn,
		sgl:      cfg.SGL,
		depth:    cfg.Depth,
		lowWater: cfg.LowWater,
	}, nil
}

// Refill restores the posted receive count to the configured depth when it
// has dropped below the low-water mark. A full receive queue closes the
// connection.
func (r *RecvQueue) Refill() error {
	if r.outstanding >= r.lowWater {
		return nil
	}

	for r.outstanding < r.depth {
		n := min(r.depth-r.outstanding, RecvBatchSize)

		if err := r.conn.postRecvBatch(r.sgl, n); err != nil {
			return fmt.Errorf("receive refill: %w", err)
		}

		r.outstanding += n
	}

	metrics.RecvRefills.Inc()

	return nil
}

// Poll drains receive completions from the connection and accounts for the
// receives they consumed.
func (r *RecvQueue) Poll(blocking bool, out []WorkCompletion) (int, error) {
	n, err := r.conn.Poll(QueueRecv, blocking, out)
	r.Consume(n)

	return n, err
}

// Consume records n receives consumed by completions polled elsewhere, as
// when several connections share one receive completion queue.
func (r *RecvQueue) Consume(n int) {
	r.outstanding -= n
	if r.outstanding < 0 {
		r.outstanding = 0
	}
}

// Outstanding returns the receives believed to be posted.
func (r *RecvQueue) Outstanding() int { return r.outstanding }

// Depth returns the configured depth.
func (r *RecvQueue) Depth() int { return r.depth }

// LowWater returns the refill threshold.
func (r *RecvQueue) LowWater() int { return r.lowWater }
