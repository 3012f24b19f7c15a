// Package trace records the structured timing events the sync pipeline
// logs (any entry carrying a "kind" field) into a bounded in-memory table,
// optionally journaled to a bbolt file for later inspection.
package trace

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultRows is how many rows the in-memory table keeps.
	DefaultRows = 400

	// KindField is the log field that marks an entry as a trace row.
	KindField = "kind"

	journalBuffer = 1024
)

var bucketRows = []byte("rows")

// Row is one recorded event.
type Row struct {
	Time    time.Time              `json:"time"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

func (r Row) String() string {
	return fmt.Sprintf("%s %-22s %v", r.Time.Format("15:04:05.000"), r.Kind, r.Fields)
}

// Recorder is a logrus hook. Add it with logger.AddHook.
type Recorder struct {
	mu   sync.Mutex
	rows []Row
	head int
	full bool

	db      *bolt.DB
	journal chan Row
	done    chan struct{}
	dropped int
}

// NewRecorder keeps the last size rows in memory.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRows
	}
	return &Recorder{rows: make([]Row, size)}
}

// OpenJournal additionally appends every row to the bbolt file at path.
func (r *Recorder) OpenJournal(path string) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return errors.Wrapf(err, "opening trace journal %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRows)
		return err
	})
	if err != nil {
		db.Close()
		return errors.Wrap(err, "creating trace bucket")
	}
	in := make(chan Row, journalBuffer)
	r.mu.Lock()
	r.db = db
	r.journal = in
	r.done = make(chan struct{})
	r.mu.Unlock()
	go r.writeJournal(in)
	return nil
}

// Levels implements logrus.Hook.
func (r *Recorder) Levels() []logrus.Level { return logrus.AllLevels }

// Fire implements logrus.Hook.
func (r *Recorder) Fire(e *logrus.Entry) error {
	kind, ok := e.Data[KindField].(string)
	if !ok {
		return nil
	}
	fields := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		if k == KindField {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}
	r.Record(Row{Time: e.Time, Kind: kind, Message: e.Message, Fields: fields})
	return nil
}

// Record appends a row.
func (r *Recorder) Record(row Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[r.head] = row
	r.head = (r.head + 1) % len(r.rows)
	if r.head == 0 {
		r.full = true
	}
	if r.journal == nil {
		return
	}
	select {
	case r.journal <- row:
	default:
		r.dropped++
	}
}

// Rows returns the recorded rows, oldest first.
func (r *Recorder) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Row(nil), r.rows[:r.head]...)
	}
	out := make([]Row, 0, len(r.rows))
	out = append(out, r.rows[r.head:]...)
	return append(out, r.rows[:r.head]...)
}

// Close flushes and closes the journal, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	j := r.journal
	r.journal = nil
	r.mu.Unlock()
	if j == nil {
		return nil
	}
	close(j)
	<-r.done
	return r.db.Close()
}

func (r *Recorder) writeJournal(in <-chan Row) {
	defer close(r.done)
	for row := range in {
		batch := []Row{row}
	drain:
		for len(batch) < journalBuffer {
			select {
			case next, ok := <-in:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		err := r.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketRows)
			for _, row := range batch {
				data, err := json.Marshal(row)
				if err != nil {
					continue
				}
				seq, err := b.NextSequence()
				if err != nil {
					return err
				}
				if err := b.Put(seqKey(seq), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			r.mu.Lock()
			r.dropped += len(batch)
			r.mu.Unlock()
		}
	}
}

// Dropped counts rows that never reached the journal.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// ReadJournal returns the rows stored in the journal at path, oldest first.
// If kind is non-empty only rows of that kind are returned.
func ReadJournal(path, kind string) ([]Row, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, errors.Wrapf(err, "opening trace journal %s", path)
	}
	defer db.Close()

	var out []Row
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRows)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return errors.Wrap(err, "decoding trace row")
			}
			if kind == "" || row.Kind == kind {
				out = append(out, row)
			}
			return nil
		})
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
