package allocator

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk/binlog"
	"go.uber.org/zap"
)

var (
	// ErrSlotSizeExceeded is returned when a payload is too large for
	// trunk storage and must go to a regular file instead.
	ErrSlotSizeExceeded = errors.New("payload exceeds trunk slot size limit")

	// ErrDuplicateExtent is returned when an extent to be indexed is
	// already present.
	ErrDuplicateExtent = errors.New("free extent already indexed")

	// ErrExtentOverlap is returned when an extent to be indexed
	// intersects an already indexed one.
	ErrExtentOverlap = errors.New("free extent overlaps an indexed one")

	// ErrNotHeld is returned by ConfirmAlloc when the extent is not a
	// held allocation.
	ErrNotHeld = errors.New("extent is not held by an allocation")
)

// AllocSpace reserves a slot for a payload of the given size. The
// returned extent covers the slot header and alignment padding; it
// stays indexed in held state until ConfirmAlloc settles it, so a crash
// in between returns the space to the free index on restart.
func (a *Allocator) AllocSpace(size int64) (trunk.FullInfo, error) {
	if !a.Fits(size) {
		return trunk.FullInfo{}, fmt.Errorf("%w: size %d, limit %d", ErrSlotSizeExceeded, size, a.slotMaxSize)
	}
	want := a.allocSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	h, nd := a.idx.findFree(want)
	if nd == nil {
		if err := a.createTrunkFileLocked(); err != nil {
			return trunk.FullInfo{}, fmt.Errorf("grow trunk space: %w", err)
		}
		if h, nd = a.idx.findFree(want); nd == nil {
			return trunk.FullInfo{}, fmt.Errorf("no free extent of %d bytes after trunk file creation", want)
		}
	}

	whole := nd.info
	a.idx.remove(h)
	if err := a.logSpace(binlog.OpDelSpace, whole); err != nil {
		a.idx.insert(whole, trunk.StatusFree)
		return trunk.FullInfo{}, err
	}

	allocated := whole
	allocated.Size = want

	if rest := whole.Size - want; rest >= a.slotMinSize {
		remainder := whole
		remainder.Offset += want
		remainder.Size = rest
		rh := a.idx.insert(remainder, trunk.StatusFree)
		if err := a.logSpace(binlog.OpAddSpace, remainder); err != nil {
			a.idx.remove(rh)
			return trunk.FullInfo{}, err
		}
	} else {
		// too small to split, the slot absorbs the tail
		allocated.Size = whole.Size
	}

	hh := a.idx.insert(allocated, trunk.StatusHold)
	if err := a.logSpace(binlog.OpAddSpace, allocated); err != nil {
		a.idx.remove(hh)
		return trunk.FullInfo{}, err
	}

	a.metrics.allocations.Inc()

	return allocated, nil
}

// ConfirmAlloc settles a held allocation with the outcome of the upload
// that used it. A nil uploadErr removes the extent from the index for
// good. An fs.ErrExist outcome means the slot turned out to be occupied
// on disk; the extent is dropped as well since its accounting was
// stale. Any other error returns the extent to the free index for
// reuse.
func (a *Allocator) ConfirmAlloc(info trunk.FullInfo, uploadErr error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, nd := a.idx.lookup(info)
	if nd == nil || nd.status != trunk.StatusHold || !nd.info.Equal(info) {
		a.log.Warn("confirm of unknown allocation", zap.Stringer("extent", info))
		return ErrNotHeld
	}

	switch {
	case uploadErr == nil:
	case errors.Is(uploadErr, fs.ErrExist):
		a.log.Warn("allocated slot was occupied on disk, dropping extent",
			zap.Stringer("extent", info))
	default:
		nd.status = trunk.StatusFree
		return nil
	}

	if err := a.logSpace(binlog.OpDelSpace, info); err != nil {
		return err
	}
	a.idx.remove(h)
	return nil
}

// FreeSpace returns a slot's extent to the free index, typically after
// the stored file is deleted.
func (a *Allocator) FreeSpace(info trunk.FullInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.addSpaceLocked(info, trunk.StatusFree, true); err != nil {
		return err
	}
	a.metrics.frees.Inc()
	return nil
}

// addSpaceLocked indexes a free extent, guarding against duplicates and
// overlaps. With writeBinlog false (restore path) only the in-memory
// accounting changes.
func (a *Allocator) addSpaceLocked(info trunk.FullInfo, status trunk.Status, writeBinlog bool) error {
	if _, nd := a.idx.lookup(info); nd != nil {
		a.metrics.duplicateInserts.Inc()
		a.log.Warn("duplicate free extent", zap.Stringer("extent", info))
		return fmt.Errorf("%w: %s", ErrDuplicateExtent, info)
	}
	if a.checkOccupying && a.idx.overlaps(info) {
		a.log.Warn("overlapping free extent", zap.Stringer("extent", info))
		return fmt.Errorf("%w: %s", ErrExtentOverlap, info)
	}

	a.idx.insert(info, status)

	if writeBinlog {
		return a.logSpace(binlog.OpAddSpace, info)
	}
	a.accountSpace(binlog.OpAddSpace, info.Size)
	return nil
}
