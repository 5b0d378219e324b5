package allocator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk/binlog"
	"go.uber.org/zap"
)

// The checkpoint is a point-in-time dump of the free space index. Its
// first line is the binlog offset the dump corresponds to; every
// following line is a regular ADD binlog record, which lets compaction
// reuse the dump as the new binlog's history.
//
// Checkpoints written by older nodes carry six-column lines without the
// timestamp and op columns; those are still read.

const legacyCheckpointFields = 6

// SaveCheckpoint atomically replaces the checkpoint file with a dump of
// the current index state.
func (a *Allocator) SaveCheckpoint() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.saveCheckpointLocked()
}

func (a *Allocator) saveCheckpointLocked() error {
	// the checkpointed offset must not reference binlog bytes that are
	// not durable yet
	if err := a.wal.Sync(); err != nil {
		return err
	}
	offset, err := a.wal.Size()
	if err != nil {
		return err
	}

	infos := make([]trunk.FullInfo, 0, a.idx.count())
	a.idx.walkExtents(func(nd *node) bool {
		infos = append(infos, nd.info)
		return true
	})

	if err := writeCheckpointFile(a.checkpointPath(), offset, infos); err != nil {
		return fmt.Errorf("save trunk checkpoint: %w", err)
	}

	a.log.Info("trunk checkpoint saved",
		zap.Int64("binlog_offset", offset), zap.Int("extents", len(infos)))

	return nil
}

func writeCheckpointFile(path string, binlogOffset int64, infos []trunk.FullInfo) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	bw := bufio.NewWriter(f)

	_, err = fmt.Fprintf(bw, "%d\n", binlogOffset)
	for i := 0; err == nil && i < len(infos); i++ {
		_, err = bw.WriteString(binlog.FormatRecord(binlog.Record{
			Timestamp: now,
			Op:        binlog.OpAddSpace,
			Info:      infos[i],
		}))
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// load rebuilds the free space index from the checkpoint (if any) and
// the binlog records written after it.
func (a *Allocator) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.newSpaceBuilder()

	offset, err := a.loadCheckpoint(b)
	if err != nil {
		return err
	}
	if err := a.replayBinlog(b, offset); err != nil {
		return err
	}

	a.finalizeLoad(b)
	return nil
}

// loadCheckpoint feeds checkpoint extents into the builder and returns
// the binlog offset replay must start from. A missing checkpoint means
// replay from the beginning.
func (a *Allocator) loadCheckpoint(b *spaceBuilder) (int64, error) {
	f, err := os.Open(a.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open trunk checkpoint: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)

	head, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return 0, nil // empty checkpoint
		}
		return 0, fmt.Errorf("read trunk checkpoint: %w", err)
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(head), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad trunk checkpoint offset %q: %v", strings.TrimSpace(head), err)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return offset, nil
			}
			return 0, fmt.Errorf("read trunk checkpoint: %w", err)
		}

		info, perr := parseCheckpointLine(strings.TrimSuffix(line, "\n"))
		if perr != nil {
			a.log.Warn("skipping bad trunk checkpoint line",
				zap.String("line", strings.TrimSpace(line)), zap.Error(perr))
			continue
		}
		b.add(info)
	}
}

func parseCheckpointLine(line string) (trunk.FullInfo, error) {
	rec, err := binlog.ParseRecord(line)
	if err == nil {
		return rec.Info, nil
	}

	// older checkpoint layout: info columns only
	cols := strings.Fields(line)
	if len(cols) != legacyCheckpointFields {
		return trunk.FullInfo{}, err
	}
	return binlog.ParseInfoColumns(cols)
}

// replayBinlog applies binlog records from offset to the builder.
// Replay is tolerant: a bad record is skipped with a warning, a missing
// file means there is simply no history yet.
func (a *Allocator) replayBinlog(b *spaceBuilder, offset int64) error {
	r, err := binlog.OpenReader(a.binlogPath(), offset)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			a.log.Warn("skipping bad trunk binlog record",
				zap.Int64("offset", r.Offset()), zap.Error(err))
			continue
		}

		if rec.Op == binlog.OpAddSpace {
			b.add(rec.Info)
		} else {
			b.remove(rec.Info)
		}
	}
}

// finalizeLoad moves the builder's surviving extents into the live
// index. Held slots from a previous run come back as free space.
func (a *Allocator) finalizeLoad(b *spaceBuilder) {
	extents := b.sorted()
	if a.mergeFreeSpaces {
		extents = mergeAdjacent(extents)
	}
	if a.trimEmptyFiles {
		extents = a.trimWholeFreeFiles(extents)
	}

	for _, info := range extents {
		if err := a.addSpaceLocked(info, trunk.StatusFree, false); err != nil {
			continue // already warned
		}
	}
}

// mergeAdjacent coalesces extents that touch inside the same trunk
// file. The input must be in extent order.
func mergeAdjacent(infos []trunk.FullInfo) []trunk.FullInfo {
	if len(infos) < 2 {
		return infos
	}

	out := infos[:1]
	for _, cur := range infos[1:] {
		last := &out[len(out)-1]
		if last.Path == cur.Path && last.FileID == cur.FileID && last.End() == cur.Offset {
			last.Size += cur.Size
			continue
		}
		out = append(out, cur)
	}
	return out
}

// trimWholeFreeFiles unlinks trunk files whose body became one free
// extent, beyond those kept as the advance creation pool, and drops
// their extents. Reclaims disk after mass deletions.
func (a *Allocator) trimWholeFreeFiles(infos []trunk.FullInfo) []trunk.FullInfo {
	keep := a.advanceFileCount

	out := infos[:0]
	for _, info := range infos {
		if info.Offset != 0 || info.Size != a.trunkFileSize {
			out = append(out, info)
			continue
		}
		if keep > 0 {
			keep--
			out = append(out, info)
			continue
		}

		if int(info.Path.StorePathIndex) >= len(a.storePaths) {
			out = append(out, info)
			continue
		}
		path := trunk.FilePath(a.storePaths[info.Path.StorePathIndex], info)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.log.Warn("could not remove empty trunk file",
				zap.String("path", path), zap.Error(err))
			out = append(out, info)
			continue
		}
		a.log.Info("removed empty trunk file", zap.String("path", path))
	}
	return out
}
