package allocator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/state"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Binlog compaction folds the whole ADD/DEL history into a checkpoint
// dump and replaces the binlog with it. The pipeline is staged and each
// stage transition is persisted, so a crash at any point is resolved on
// the next start: a crash during the final merge retries the merge,
// anything earlier is rolled back to the pre-compaction binlog.
//
// Stages:
//
//	BEGIN            nothing touched yet
//	APPLY_DONE       binlog renamed aside for rollback, fresh one open
//	SAVE_DONE        checkpoint of the full index written
//	COMMIT_MERGING   checkpoint + fresh binlog merging into new binlog
//	ROLLBACK_MERGING rollback + fresh binlog merging back

// MaybeCompact runs compaction if the minimum interval has elapsed and
// the binlog has grown since the last run.
func (a *Allocator) MaybeCompact() error {
	when, lastSize, err := a.store.LastCompaction()
	if err != nil {
		return err
	}
	if !when.IsZero() && time.Since(when) < a.compactMinInterval {
		return nil
	}

	cur, err := a.wal.Size()
	if err != nil {
		return err
	}
	if cur <= lastSize {
		return nil
	}

	return a.Compact()
}

// Compact runs the full compaction pipeline. Allocations are blocked
// for its duration.
func (a *Allocator) Compact() error {
	a.compactMu.Lock()
	defer a.compactMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Info("trunk binlog compaction started")

	if err := a.store.SetCompactionStage(state.StageBegin); err != nil {
		return err
	}

	// apply: swap the binlog aside and start a fresh one
	if err := a.wal.Close(); err != nil {
		return fmt.Errorf("close trunk binlog: %w", err)
	}
	if err := os.Rename(a.binlogPath(), a.rollbackPath()); err != nil {
		_ = a.wal.Reopen()
		_ = a.store.SetCompactionStage(state.StageNone)
		return fmt.Errorf("stash trunk binlog: %w", err)
	}
	if err := a.wal.Reopen(); err != nil {
		return fmt.Errorf("open fresh trunk binlog: %w", err)
	}
	if err := a.store.SetCompactionStage(state.StageApplyDone); err != nil {
		return err
	}

	// save: the checkpoint carries the entire history now
	if err := a.saveCheckpointLocked(); err != nil {
		return a.failCompaction(err)
	}
	if err := a.store.SetCompactionStage(state.StageSaveDone); err != nil {
		return err
	}

	// commit
	if err := a.store.SetCompactionStage(state.StageCommitMerging); err != nil {
		return err
	}
	if err := a.commitMerge(); err != nil {
		return a.failCompaction(err)
	}

	a.metrics.compactions.Inc()
	a.log.Info("trunk binlog compaction finished")

	return nil
}

// failCompaction rolls a failed live pipeline back so the allocator
// keeps running on the pre-compaction binlog.
func (a *Allocator) failCompaction(cause error) error {
	a.log.Warn("trunk binlog compaction failed, rolling back", zap.Error(cause))

	if err := a.store.SetCompactionStage(state.StageRollbackMerging); err != nil {
		return err
	}
	if err := a.rollbackMerge(true); err != nil {
		return fmt.Errorf("compaction rollback after %q: %w", cause, err)
	}
	return cause
}

// commitMerge builds the new binlog from the checkpoint dump followed
// by the records of the fresh binlog, then retires the checkpoint and
// the rollback file.
func (a *Allocator) commitMerge() error {
	if a.wal != nil {
		if err := a.wal.Close(); err != nil {
			return err
		}
	}

	// The checkpoint may be gone if a previous run crashed after the
	// rename below; the merge already happened then.
	if _, err := os.Stat(a.checkpointPath()); err == nil {
		if err := a.mergeFiles(a.binlogPath(), mergeSource{a.checkpointPath(), true}, mergeSource{a.binlogPath(), false}); err != nil {
			return err
		}
		if err := os.Remove(a.checkpointPath()); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := a.retireRollback(); err != nil {
		return err
	}
	if a.wal != nil {
		if err := a.wal.Reopen(); err != nil {
			return err
		}
	}

	if err := a.store.SetCompactionStage(state.StageNone); err != nil {
		return err
	}

	fi, err := os.Stat(a.binlogPath())
	if err != nil {
		return err
	}
	return a.store.SetLastCompaction(time.Now(), fi.Size())
}

// rollbackMerge restores the pre-compaction binlog: its stashed copy
// followed by whatever the fresh binlog accumulated. dropCheckpoint is
// set when the checkpoint was rewritten against the fresh binlog and
// is therefore invalid for the restored one.
func (a *Allocator) rollbackMerge(dropCheckpoint bool) error {
	if a.wal != nil {
		if err := a.wal.Close(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(a.rollbackPath()); err == nil {
		if err := a.mergeFiles(a.binlogPath(), mergeSource{a.rollbackPath(), false}, mergeSource{a.binlogPath(), false}); err != nil {
			return err
		}
		if err := os.Remove(a.rollbackPath()); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if dropCheckpoint {
		if err := os.Remove(a.checkpointPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if a.wal != nil {
		if err := a.wal.Reopen(); err != nil {
			return err
		}
	}

	return a.store.SetCompactionStage(state.StageNone)
}

// recoverCompaction resolves a pipeline interrupted by a crash. Runs on
// startup before the binlog writer opens.
func (a *Allocator) recoverCompaction() error {
	st, err := a.store.CompactionStage()
	if err != nil {
		return err
	}
	if st == state.StageNone {
		return nil
	}

	a.log.Warn("recovering interrupted trunk binlog compaction",
		zap.Stringer("stage", st))

	if st == state.StageCommitMerging {
		// the checkpoint was durable, finishing is cheaper than redoing
		return a.commitMerge()
	}

	// before SAVE_DONE the old checkpoint still matches the restored
	// binlog prefix and stays usable
	drop := st == state.StageSaveDone || st == state.StageRollbackMerging
	return a.rollbackMerge(drop)
}

// mergeSource is one input of a binlog merge. skipFirstLine drops the
// checkpoint's offset header.
type mergeSource struct {
	path          string
	skipFirstLine bool
}

// mergeFiles concatenates the sources into dst atomically via a temp
// file. A missing source contributes nothing.
func (a *Allocator) mergeFiles(dst string, sources ...mergeSource) error {
	tmp := dst + ".merge"

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	for _, src := range sources {
		if err = appendFile(out, src); err != nil {
			break
		}
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("merge trunk binlog: %w", err)
	}

	return os.Rename(tmp, dst)
}

func appendFile(out *os.File, src mergeSource) error {
	in, err := os.Open(src.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	r := bufio.NewReaderSize(in, 64*1024)
	if src.skipFirstLine {
		if _, err := r.ReadString('\n'); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}

	_, err = io.Copy(out, r)
	return err
}

// retireRollback archives or deletes the stashed pre-compaction binlog.
func (a *Allocator) retireRollback() error {
	if !a.keepCompactBackup {
		if err := os.Remove(a.rollbackPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	in, err := os.Open(a.rollbackPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	archive := fmt.Sprintf("%s.%d.gz", a.rollbackPath(), time.Now().Unix())
	out, err := os.OpenFile(archive, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(out)
	_, err = io.Copy(zw, in)
	if zerr := zw.Close(); err == nil {
		err = zerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(archive)
		return fmt.Errorf("archive trunk binlog: %w", err)
	}

	a.log.Info("pre-compaction trunk binlog archived", zap.String("path", archive))

	return os.Remove(a.rollbackPath())
}
