// Package state keeps the small set of node-local facts that must
// survive a crash and cannot be reconstructed from the trunk binlog:
// the next trunk file id, the binlog compaction stage and bookkeeping
// around the last compaction run.
package state

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"time"

	"go.etcd.io/bbolt"
)

// Stage is the persisted position inside the binlog compaction
// pipeline. Any value other than StageNone found at startup means a
// previous run crashed mid-pipeline and must be resolved before the
// allocator serves requests.
type Stage uint8

const (
	// StageNone means no compaction is in progress.
	StageNone Stage = iota
	// StageBegin is persisted before the pipeline touches any file.
	StageBegin
	// StageApplyDone: the binlog was swapped aside for rollback and a
	// fresh one opened.
	StageApplyDone
	// StageSaveDone: the checkpoint replacing the old binlog's history
	// was written.
	StageSaveDone
	// StageCommitMerging: the checkpoint is being merged with the fresh
	// binlog into the new authoritative binlog.
	StageCommitMerging
	// StageRollbackMerging: the pre-compaction binlog is being merged
	// back with records written since.
	StageRollbackMerging
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "NONE"
	case StageBegin:
		return "COMPRESS_BEGIN"
	case StageApplyDone:
		return "APPLY_DONE"
	case StageSaveDone:
		return "SAVE_DONE"
	case StageCommitMerging:
		return "COMMIT_MERGING"
	case StageRollbackMerging:
		return "ROLLBACK_MERGING"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

var (
	bucketTrunk = []byte("trunk")

	keyFileID          = []byte("next_file_id")
	keyCompactionStage = []byte("compaction_stage")
	keyLastCompactTime = []byte("last_compact_time")
	keyLastCompactSize = []byte("last_compact_binlog_size")
)

// Store is the bbolt-backed persistent state.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the state database at path.
func Open(path string, perm fs.FileMode) (*Store, error) {
	db, err := bbolt.Open(path, perm, &bbolt.Options{
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open state db %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTrunk)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextTrunkFileID durably increments and returns the trunk file id
// counter. The new value hits the disk before it is returned, so a
// crash can never reissue an id.
func (s *Store) NextTrunkFileID() (uint32, error) {
	var id uint32
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTrunk)
		id = getUint32(b, keyFileID) + 1
		return putUint32(b, keyFileID, id)
	})
	if err != nil {
		return 0, fmt.Errorf("advance trunk file id: %w", err)
	}
	return id, nil
}

// CurrentTrunkFileID returns the last issued trunk file id.
func (s *Store) CurrentTrunkFileID() (uint32, error) {
	var id uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = getUint32(tx.Bucket(bucketTrunk), keyFileID)
		return nil
	})
	return id, err
}

// CompactionStage returns the persisted compaction pipeline stage.
func (s *Store) CompactionStage() (Stage, error) {
	var st Stage
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketTrunk).Get(keyCompactionStage); len(v) == 1 {
			st = Stage(v[0])
		}
		return nil
	})
	return st, err
}

// SetCompactionStage persists a pipeline stage transition. The write is
// a single committed transaction, so the observed stage is always one
// of the defined values, never a torn intermediate.
func (s *Store) SetCompactionStage(st Stage) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTrunk).Put(keyCompactionStage, []byte{byte(st)})
	})
	if err != nil {
		return fmt.Errorf("persist compaction stage %s: %w", st, err)
	}
	return nil
}

// LastCompaction returns the time and binlog size recorded by the last
// successful compaction. Zero values mean no compaction has run yet.
func (s *Store) LastCompaction() (time.Time, int64, error) {
	var (
		when time.Time
		size int64
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTrunk)
		if sec := getUint64(b, keyLastCompactTime); sec != 0 {
			when = time.Unix(int64(sec), 0)
		}
		size = int64(getUint64(b, keyLastCompactSize))
		return nil
	})
	return when, size, err
}

// SetLastCompaction records a successful compaction run.
func (s *Store) SetLastCompaction(when time.Time, binlogSize int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTrunk)
		if err := putUint64(b, keyLastCompactTime, uint64(when.Unix())); err != nil {
			return err
		}
		return putUint64(b, keyLastCompactSize, uint64(binlogSize))
	})
	if err != nil {
		return fmt.Errorf("record compaction run: %w", err)
	}
	return nil
}

func getUint32(b *bbolt.Bucket, key []byte) uint32 {
	v := b.Get(key)
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func putUint32(b *bbolt.Bucket, key []byte, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return b.Put(key, buf)
}

func getUint64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}
