package allocator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// ErrNoUsableStorePath is returned when every store path is below the
// configured reserved space.
var ErrNoUsableStorePath = errors.New("no store path with enough free disk space")

func ensureDataDirs(storePath string) error {
	return os.MkdirAll(filepath.Join(storePath, "data"), 0o755)
}

// pickStorePathLocked selects the store path with the most available
// disk space, skipping paths below the reserved threshold.
func (a *Allocator) pickStorePathLocked() (uint8, error) {
	best, bestFree := -1, uint64(0)

	for i, p := range a.storePaths {
		u, err := disk.Usage(p)
		if err != nil {
			a.log.Warn("store path usage unavailable",
				zap.String("path", p), zap.Error(err))
			continue
		}
		if u.Free < a.reservedSpace+uint64(a.trunkFileSize) {
			continue
		}
		if best < 0 || u.Free > bestFree {
			best, bestFree = i, u.Free
		}
	}

	if best < 0 {
		return 0, ErrNoUsableStorePath
	}
	return uint8(best), nil
}

// createTrunkFileLocked creates one preallocated trunk file and indexes
// its whole body as a free extent. The file id is durably advanced
// before the file appears on disk, so ids are never reissued.
func (a *Allocator) createTrunkFileLocked() error {
	pathIndex, err := a.pickStorePathLocked()
	if err != nil {
		return err
	}

	id, err := a.store.NextTrunkFileID()
	if err != nil {
		return err
	}

	high, low := trunk.SubPathsForName(trunk.EncodeFileID(id))
	info := trunk.FullInfo{
		Path: trunk.PathInfo{
			StorePathIndex: pathIndex,
			SubPathHigh:    high,
			SubPathLow:     low,
		},
		FileID: id,
		Offset: 0,
		Size:   a.trunkFileSize,
	}

	storePath := a.storePaths[pathIndex]
	if err := os.MkdirAll(trunk.SubDirPath(storePath, info.Path), 0o755); err != nil {
		return fmt.Errorf("create trunk sub dir: %w", err)
	}

	filePath := trunk.FilePath(storePath, info)
	if err := writeTrunkFile(filePath, a.trunkFileSize); err != nil {
		return err
	}

	if err := a.addSpaceLocked(info, trunk.StatusFree, true); err != nil {
		return err
	}

	a.metrics.trunkFiles.Inc()
	a.log.Info("trunk file created",
		zap.String("path", filePath), zap.Int64("size", a.trunkFileSize))

	return nil
}

func writeTrunkFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create trunk file %q: %w", path, err)
	}

	err = preallocate(f, size)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("preallocate trunk file %q: %w", path, err)
	}
	return nil
}

// countFullFreeTrunksLocked counts trunk files whose whole body is one
// free extent.
func (a *Allocator) countFullFreeTrunksLocked() int {
	var n int
	a.idx.walkExtents(func(nd *node) bool {
		if nd.status == trunk.StatusFree && nd.info.Size == a.trunkFileSize {
			n++
		}
		return true
	})
	return n
}

// createFilesInAdvance tops the pool of whole-file free extents up to
// the configured count. Runs as a background job.
func (a *Allocator) createFilesInAdvance() {
	if err := a.preallocStorePaths(); err != nil {
		a.log.Warn("store path preparation failed", zap.Error(err))
		return
	}

	for {
		a.mu.Lock()
		if a.countFullFreeTrunksLocked() >= a.advanceFileCount {
			a.mu.Unlock()
			return
		}
		err := a.createTrunkFileLocked()
		a.mu.Unlock()

		if err != nil {
			a.log.Warn("advance trunk creation stopped", zap.Error(err))
			return
		}
	}
}
