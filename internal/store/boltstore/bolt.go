// Package boltstore is a store.Backend on a single bbolt file.
//
// Layout (top-level buckets):
//
//	invocations  id -> invocation JSON
//	arrivals     seq (big-endian) -> id
//	journal      id -> bucket{ seq (big-endian) -> encoded entry }
//	state        type 0x00 key -> bucket{ field -> value }
//	workflows    type 0x00 key -> invocation id
//	promises     id -> promise JSON
//	timers       id -> timer JSON
//	due          fire_at (big-endian nanos) + id -> nil, pending timers only
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

var (
	invocationsBucket = []byte("invocations")
	arrivalsBucket    = []byte("arrivals")
	journalBucket     = []byte("journal")
	stateBucket       = []byte("state")
	workflowsBucket   = []byte("workflows")
	promisesBucket    = []byte("promises")
	timersBucket      = []byte("timers")
	dueBucket         = []byte("due")

	allBuckets = [][]byte{
		invocationsBucket,
		arrivalsBucket,
		journalBucket,
		stateBucket,
		workflowsBucket,
		promisesBucket,
		timersBucket,
		dueBucket,
	}
)

var _ store.Backend = (*Store)(nil)

// Store is the bbolt Backend.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open creates or opens the database at path. If ctx has a deadline sooner
// than the default file-lock timeout, the deadline is used instead.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := *bbolt.DefaultOptions
	opts.Timeout = 5 * time.Second
	if timeout, ok := linger.FromContextDeadline(ctx); ok && timeout < opts.Timeout {
		opts.Timeout = timeout
	}

	db, err := bbolt.Open(path, os.FileMode(0600), &opts)
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			err = context.DeadlineExceeded
		}
		return nil, ir.StorageUnavailable("open bolt database", err)
	}

	err = db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverSentinel(&err)
		for _, name := range allBuckets {
			createBucket(tx, name)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ir.StorageUnavailable("create buckets", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// update runs fn in a read-write transaction. Semantic *ir.Error values pass
// through; any other failure is storage unavailability.
func (s *Store) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ir.StorageUnavailable(op, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverSentinel(&err)
		return fn(tx)
	})
	return classify(op, err)
}

// view runs fn in a read-only transaction.
func (s *Store) view(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ir.StorageUnavailable(op, err)
	}
	err := s.db.View(func(tx *bbolt.Tx) (err error) {
		defer recoverSentinel(&err)
		return fn(tx)
	})
	return classify(op, err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *ir.Error
	if errors.As(err, &e) {
		return err
	}
	return ir.StorageUnavailable(op, err)
}

// panicSentinel identifies panics raised by must so they can be turned back
// into errors at the transaction boundary.
type panicSentinel struct {
	cause error
}

func must(err error) {
	if err != nil {
		panic(panicSentinel{err})
	}
}

func recoverSentinel(err *error) {
	switch v := recover().(type) {
	case nil:
		return
	case panicSentinel:
		*err = v.cause
	default:
		panic(v)
	}
}

func createBucket(p interface {
	CreateBucketIfNotExists([]byte) (*bbolt.Bucket, error)
}, name []byte) *bbolt.Bucket {
	b, err := p.CreateBucketIfNotExists(name)
	must(err)
	return b
}

func put(b *bbolt.Bucket, k, v []byte) {
	must(b.Put(k, v))
}

func putJSON(b *bbolt.Bucket, k []byte, v any) {
	data, err := json.Marshal(v)
	must(err)
	put(b, k, data)
}

func getJSON(b *bbolt.Bucket, k []byte, v any) bool {
	data := b.Get(k)
	if data == nil {
		return false
	}
	must(json.Unmarshal(data, v))
	return true
}

func u64(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

func objectKey(obj ir.ObjectKey) []byte {
	return []byte(obj.Type + "\x00" + obj.Key)
}
