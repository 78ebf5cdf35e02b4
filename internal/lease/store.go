package lease

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// State is the lifecycle state of a lease.
type State string

const (
	StateActive   State = "active"
	StateReleased State = "released"
)

const (
	leasePrefix = "lease:"
	nextIDKey   = "_next_lease_id"
)

// Lease is a client's reservation of cores on one executor.
type Lease struct {
	CreatedAt       time.Time  `json:"created_at"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	Token           uuid.UUID  `json:"token"`
	Client          string     `json:"client"`
	Executor        string     `json:"executor"`
	ExecutorAddress string     `json:"executor_address"`
	State           State      `json:"state"`
	HotPollingNs    uint64     `json:"hot_polling_ns"`
	ExecutionNs     uint64     `json:"execution_ns"`
	Cores           int        `json:"cores"`
	ID              uint16     `json:"id"`
	Secret          uint16     `json:"secret"`
	// Detached is set while no executor accounting connection is attached.
	Detached bool `json:"detached"`
}

// Active reports whether the lease still holds cores.
func (l *Lease) Active() bool { return l.State == StateActive }

func leaseKey(id uint16) []byte {
	return []byte(fmt.Sprintf("%s%05d", leasePrefix, id))
}

// Store persists leases in BadgerDB as JSON records.
type Store struct {
	db *badger.DB
}

// OpenStore opens the store under dir. An empty dir keeps everything in
// memory.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// Name identifies the store in shutdown logs.
func (s *Store) Name() string { return "lease_store" }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping fails once the database is closed.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return ErrStoreUnavailable
	}

	return s.db.View(func(*badger.Txn) error { return nil })
}

// Put writes l.
func (s *Store) Put(_ context.Context, l *Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(leaseKey(l.ID), data)
	})
}

// Get reads lease id.
func (s *Store) Get(_ context.Context, id uint16) (*Lease, error) {
	var l Lease

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}

		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &l)
		})
	})
	if err != nil {
		return nil, err
	}

	return &l, nil
}

// List returns every stored lease ordered by id.
func (s *Store) List(_ context.Context) ([]*Lease, error) {
	var leases []*Lease

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(leasePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var l Lease

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			})
			if err != nil {
				return err
			}

			leases = append(leases, &l)
		}

		return nil
	})

	return leases, err
}

// Delete removes lease id.
func (s *Store) Delete(_ context.Context, id uint16) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(leaseKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		return txn.Delete(leaseKey(id))
	})
}

// NextID advances the persistent id counter. Ids wrap around and skip zero,
// which is reserved for initial contact.
func (s *Store) NextID(_ context.Context) (uint16, error) {
	var id uint16

	err := s.db.Update(func(txn *badger.Txn) error {
		var last uint16

		item, err := txn.Get([]byte(nextIDKey))

		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				if len(val) == 2 {
					last = binary.LittleEndian.Uint16(val)
				}

				return nil
			})
			if err != nil {
				return err
			}
		}

		id = last + 1
		if id == 0 {
			id = 1
		}

		return txn.Set([]byte(nextIDKey), binary.LittleEndian.AppendUint16(nil, id))
	})

	return id, err
}
