package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// FileName is the bbolt database file inside a node's data directory.
const FileName = "raft.db"

var (
	entriesBucket  = []byte("entries")
	metaBucket     = []byte("meta")
	snapshotBucket = []byte("snapshot")

	hardStateKey = []byte("hard_state")
	confStateKey = []byte("conf_state")
	compactedKey = []byte("compacted")
	snapshotKey  = []byte("latest")
)

// compactedRecord remembers the last discarded entry so Term can still
// answer for FirstIndex()-1.
type compactedRecord struct {
	Index uint64 `msgpack:"index"`
	Term  uint64 `msgpack:"term"`
}

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	ReadOnly bool
	Timeout  time.Duration
}

// BoltStorage persists the log in a bbolt database. Every mutation is one
// bbolt transaction and is fsynced before it returns.
type BoltStorage struct {
	mu sync.RWMutex
	db *bolt.DB

	path      string
	compacted compactedRecord
	last      uint64
	snapIndex uint64
}

// OpenBolt opens (or creates) the database under dir.
func OpenBolt(dir string, opts *BoltOptions) (*BoltStorage, error) {
	if opts == nil {
		opts = &BoltOptions{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}

	path := filepath.Join(dir, FileName)
	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, wrapErr("open", err)
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr("open", fmt.Errorf("failed to create data dir: %w", err))
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, wrapErr("open", err)
	}

	bs := &BoltStorage{db: db, path: path}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{entriesBucket, metaBucket, snapshotBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, wrapErr("open", err)
		}
	}

	if err := bs.load(); err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}

// load recovers the cached index bookkeeping from disk.
func (bs *BoltStorage) load() error {
	err := bs.db.View(func(tx *bolt.Tx) error {
		meta, entries, snaps := tx.Bucket(metaBucket), tx.Bucket(entriesBucket), tx.Bucket(snapshotBucket)
		if meta == nil || entries == nil || snaps == nil {
			return errors.New("missing buckets")
		}

		if val := meta.Get(compactedKey); val != nil {
			if err := msgpack.Unmarshal(val, &bs.compacted); err != nil {
				return fmt.Errorf("corrupt compacted record: %w", err)
			}
		}
		if val := snaps.Get(snapshotKey); val != nil {
			var snap Snapshot
			if err := msgpack.Unmarshal(val, &snap); err != nil {
				return fmt.Errorf("corrupt snapshot: %w", err)
			}
			bs.snapIndex = snap.Metadata.Index
		}

		bs.last = bs.compacted.Index
		if key, _ := entries.Cursor().Last(); key != nil {
			bs.last = decodeIndex(key)
		}
		return nil
	})
	return wrapErr("open", err)
}

func (bs *BoltStorage) Type() Type {
	return TypeBolt
}

// Path is the database file backing this storage.
func (bs *BoltStorage) Path() string {
	return bs.path
}

func (bs *BoltStorage) InitialState() (HardState, ConfState, error) {
	hs, err := bs.HardState()
	if err != nil {
		return HardState{}, ConfState{}, err
	}
	cs, err := bs.ConfState()
	if err != nil {
		return HardState{}, ConfState{}, err
	}
	return hs, cs, nil
}

func (bs *BoltStorage) FirstIndex() (uint64, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.compacted.Index + 1, nil
}

func (bs *BoltStorage) LastIndex() (uint64, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.last, nil
}

func (bs *BoltStorage) Term(i uint64) (uint64, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if i < bs.compacted.Index {
		return 0, ErrCompacted
	}
	if i == bs.compacted.Index {
		return bs.compacted.Term, nil
	}
	if i > bs.last {
		return 0, ErrUnavailable
	}

	var term uint64
	err := bs.db.View(func(tx *bolt.Tx) error {
		entry, err := readEntry(tx.Bucket(entriesBucket), i)
		if err != nil {
			return err
		}
		term = entry.Term
		return nil
	})
	if err != nil {
		return 0, wrapErr("term", err)
	}
	return term, nil
}

func (bs *BoltStorage) Entries(lo, hi, maxSize uint64) ([]Entry, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	if lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d)", lo, hi)
	}
	if lo <= bs.compacted.Index {
		return nil, ErrCompacted
	}
	if hi > bs.last+1 {
		return nil, ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}

	ents, err := bs.scan(lo, hi, maxSize)
	if err != nil {
		return nil, wrapErr("entries", err)
	}
	return ents, nil
}

func (bs *BoltStorage) AllEntries() ([]Entry, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	ents, err := bs.scan(bs.compacted.Index+1, bs.last+1, NoLimit)
	if err != nil {
		return nil, wrapErr("all entries", err)
	}
	return ents, nil
}

// scan reads [lo, hi) with a cursor and fails on any gap.
func (bs *BoltStorage) scan(lo, hi, maxSize uint64) ([]Entry, error) {
	var ents []Entry
	err := bs.db.View(func(tx *bolt.Tx) error {
		var size uint64
		cursor := tx.Bucket(entriesBucket).Cursor()
		expected := lo
		for key, val := cursor.Seek(encodeIndex(lo)); key != nil && decodeIndex(key) < hi; key, val = cursor.Next() {
			if decodeIndex(key) != expected {
				return fmt.Errorf("%w: expected %d, found %d", ErrLogGap, expected, decodeIndex(key))
			}
			var entry Entry
			if err := msgpack.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("corrupt entry %d: %w", expected, err)
			}
			size += entry.size()
			if len(ents) > 0 && maxSize != NoLimit && size > maxSize {
				return nil
			}
			ents = append(ents, entry)
			expected++
		}
		if expected != hi {
			return fmt.Errorf("%w: expected %d, log ends", ErrLogGap, expected)
		}
		return nil
	})
	return ents, err
}

func (bs *BoltStorage) Append(entries []Entry) error {
	return bs.Save(HardState{}, entries)
}

// Save writes entries and hs in a single transaction, so a crash never
// leaves a commit index above the stored log.
func (bs *BoltStorage) Save(hs HardState, entries []Entry) error {
	if len(entries) == 0 && hs.IsEmpty() {
		return nil
	}
	if err := checkBatch(entries); err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if len(entries) > 0 {
		first := bs.compacted.Index + 1
		if entries[len(entries)-1].Index < first {
			entries = nil
		} else if first > entries[0].Index {
			entries = entries[first-entries[0].Index:]
		}
	}
	if len(entries) > 0 && entries[0].Index > bs.last+1 {
		return fmt.Errorf("%w: missing entries before %d, last index is %d",
			ErrLogGap, entries[0].Index, bs.last)
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		if len(entries) > 0 {
			if err := bs.appendTx(tx, entries); err != nil {
				return err
			}
		}
		if !hs.IsEmpty() {
			return putRecord(tx.Bucket(metaBucket), hardStateKey, &hs)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTermRegression) {
			return err
		}
		return wrapErr("save", err)
	}

	if len(entries) > 0 {
		bs.last = entries[len(entries)-1].Index
	}
	return nil
}

func (bs *BoltStorage) appendTx(tx *bolt.Tx, entries []Entry) error {
	bucket := tx.Bucket(entriesBucket)

	prevTerm := bs.compacted.Term
	if prev := entries[0].Index - 1; prev > bs.compacted.Index {
		entry, err := readEntry(bucket, prev)
		if err != nil {
			return err
		}
		prevTerm = entry.Term
	}
	if entries[0].Term < prevTerm {
		return fmt.Errorf("%w: entry %d has term %d after term %d",
			ErrTermRegression, entries[0].Index, entries[0].Term, prevTerm)
	}

	// conflicting suffix goes first
	if err := deleteFrom(bucket, entries[0].Index); err != nil {
		return err
	}
	for _, entry := range entries {
		val, err := msgpack.Marshal(&entry)
		if err != nil {
			return err
		}
		if err := bucket.Put(encodeIndex(entry.Index), val); err != nil {
			return err
		}
	}
	return nil
}

func (bs *BoltStorage) HardState() (HardState, error) {
	var hs HardState
	if err := bs.getMeta(hardStateKey, &hs); err != nil {
		return HardState{}, wrapErr("hard state", err)
	}
	return hs, nil
}

func (bs *BoltStorage) SetHardState(hs HardState) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return wrapErr("set hard state", bs.putMeta(hardStateKey, &hs))
}

func (bs *BoltStorage) ConfState() (ConfState, error) {
	var cs ConfState
	if err := bs.getMeta(confStateKey, &cs); err != nil {
		return ConfState{}, wrapErr("conf state", err)
	}
	return cs.Clone(), nil
}

func (bs *BoltStorage) SetConfState(cs ConfState) error {
	if err := cs.Validate(); err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cs = cs.Clone()
	return wrapErr("set conf state", bs.putMeta(confStateKey, &cs))
}

func (bs *BoltStorage) Snapshot(requestIndex, requestTerm uint64) (Snapshot, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	snap, err := bs.readSnapshot()
	if err != nil {
		return Snapshot{}, wrapErr("snapshot", err)
	}
	if !snapshotSatisfies(snap, requestIndex, requestTerm) {
		return Snapshot{}, ErrSnapshotTemporarilyUnavailable
	}
	return snap, nil
}

func (bs *BoltStorage) readSnapshot() (Snapshot, error) {
	var snap Snapshot
	err := bs.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(snapshotBucket).Get(snapshotKey)
		if val == nil {
			return nil
		}
		return msgpack.Unmarshal(val, &snap)
	})
	return snap, err
}

func (bs *BoltStorage) CreateSnapshot(index uint64, cs *ConfState, data []byte) (Snapshot, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if index <= bs.snapIndex {
		return Snapshot{}, ErrSnapOutOfDate
	}
	if index > bs.last {
		return Snapshot{}, ErrUnavailable
	}

	var snap Snapshot
	err := bs.db.Update(func(tx *bolt.Tx) error {
		term := bs.compacted.Term
		if index > bs.compacted.Index {
			entry, err := readEntry(tx.Bucket(entriesBucket), index)
			if err != nil {
				return err
			}
			term = entry.Term
		}

		confState := cs
		if confState == nil {
			var stored ConfState
			if val := tx.Bucket(metaBucket).Get(confStateKey); val != nil {
				if err := msgpack.Unmarshal(val, &stored); err != nil {
					return err
				}
			}
			confState = &stored
		}

		snap = Snapshot{
			Metadata: SnapshotMetadata{Index: index, Term: term, ConfState: confState.Clone()},
			Data:     append([]byte(nil), data...),
		}
		return putSnapshot(tx, &snap)
	})
	if err != nil {
		return Snapshot{}, wrapErr("create snapshot", err)
	}

	bs.snapIndex = index
	return snap, nil
}

func (bs *BoltStorage) ApplySnapshot(snap Snapshot) error {
	if err := snap.Metadata.ConfState.Validate(); err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if snap.Metadata.Index <= bs.snapIndex {
		return ErrSnapOutOfDate
	}

	compacted := compactedRecord{Index: snap.Metadata.Index, Term: snap.Metadata.Term}
	err := bs.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(entriesBucket); err != nil {
			return err
		}
		if err := putSnapshot(tx, &snap); err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)
		cs := snap.Metadata.ConfState.Clone()
		if err := putRecord(meta, confStateKey, &cs); err != nil {
			return err
		}
		return putRecord(meta, compactedKey, &compacted)
	})
	if err != nil {
		return wrapErr("apply snapshot", err)
	}

	bs.compacted = compacted
	bs.last = compacted.Index
	bs.snapIndex = snap.Metadata.Index
	return nil
}

func (bs *BoltStorage) Compact(upTo uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if upTo <= bs.compacted.Index+1 {
		return ErrCompacted
	}
	if upTo > bs.last || upTo-1 > bs.snapIndex {
		return &CompactionError{Index: upTo, LastIndex: bs.last, SnapshotIndex: bs.snapIndex}
	}

	var compacted compactedRecord
	err := bs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		boundary, err := readEntry(bucket, upTo-1)
		if err != nil {
			return err
		}
		compacted = compactedRecord{Index: boundary.Index, Term: boundary.Term}

		var keys [][]byte
		cursor := bucket.Cursor()
		for key, _ := cursor.First(); key != nil && decodeIndex(key) < upTo; key, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), key...))
		}
		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return putRecord(tx.Bucket(metaBucket), compactedKey, &compacted)
	})
	if err != nil {
		return wrapErr("compact", err)
	}

	bs.compacted = compacted
	return nil
}

func (bs *BoltStorage) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return wrapErr("close", bs.db.Close())
}

func (bs *BoltStorage) getMeta(key []byte, v interface{}) error {
	return bs.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(metaBucket).Get(key)
		if val == nil {
			return nil
		}
		return msgpack.Unmarshal(val, v)
	})
}

func (bs *BoltStorage) putMeta(key []byte, v interface{}) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx.Bucket(metaBucket), key, v)
	})
}

func putRecord(bucket *bolt.Bucket, key []byte, v interface{}) error {
	val, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, val)
}

func putSnapshot(tx *bolt.Tx, snap *Snapshot) error {
	return putRecord(tx.Bucket(snapshotBucket), snapshotKey, snap)
}

func readEntry(bucket *bolt.Bucket, index uint64) (Entry, error) {
	var entry Entry
	val := bucket.Get(encodeIndex(index))
	if val == nil {
		return entry, fmt.Errorf("%w: entry %d is missing", ErrLogGap, index)
	}
	if err := msgpack.Unmarshal(val, &entry); err != nil {
		return entry, fmt.Errorf("corrupt entry %d: %w", index, err)
	}
	return entry, nil
}

// deleteFrom removes every entry with index >= from.
func deleteFrom(bucket *bolt.Bucket, from uint64) error {
	var keys [][]byte
	cursor := bucket.Cursor()
	for key, _ := cursor.Seek(encodeIndex(from)); key != nil; key, _ = cursor.Next() {
		keys = append(keys, append([]byte(nil), key...))
	}
	for _, key := range keys {
		if err := bucket.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// encodeIndex produces big-endian keys so cursor order is index order.
func encodeIndex(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func decodeIndex(key []byte) uint64 {
	if len(key) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}
