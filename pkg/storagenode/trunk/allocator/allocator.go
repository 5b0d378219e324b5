// Package allocator manages the free space of trunk files: fixed-size
// container files that pack many small stored files, each prefixed by
// a 24-byte slot header.
//
// The allocator is purely an accountant. It hands out byte ranges and
// records every hand-out in the trunk binlog; actual slot I/O is done
// by the dio engine.
package allocator

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/state"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk/binlog"
	"github.com/fastdfs-go/storagenode/pkg/util"
	"github.com/fastdfs-go/storagenode/pkg/util/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	binlogName     = "trunk_binlog.dat"
	checkpointName = "storage_trunk.dat"
	rollbackName   = "trunk_binlog.rollback"
	stateDBName    = "trunk_state.db"
)

// Allocator manages trunk free space for a set of store paths.
type Allocator struct {
	*cfg

	mu  sync.Mutex
	idx *index

	freeSpace *atomic.Int64

	wal   *binlog.Writer
	store *state.Store

	metrics *metrics

	compactMu sync.Mutex
}

// Option is an option of the Allocator's constructor.
type Option func(*cfg)

type cfg struct {
	workDir    string
	storePaths []string

	trunkFileSize int64
	slotMinSize   int64
	slotMaxSize   int64
	alignSize     int64

	mergeFreeSpaces bool
	checkOccupying  bool
	trimEmptyFiles  bool

	compactMinInterval time.Duration
	keepCompactBackup  bool

	advanceFileCount  int
	reservedSpace     uint64
	preallocThreshold int64

	pool util.WorkerPool

	log *logger.Logger

	registerer prometheus.Registerer
}

func defaultCfg() *cfg {
	return &cfg{
		trunkFileSize:      64 << 20,
		slotMinSize:        256,
		slotMaxSize:        16 << 20,
		mergeFreeSpaces:    true,
		checkOccupying:     true,
		compactMinInterval: 24 * time.Hour,
		pool:               util.NewPseudoWorkerPool(),
		log:                zap.L(),
	}
}

// New creates an Allocator instance.
func New(opts ...Option) *Allocator {
	c := defaultCfg()

	for i := range opts {
		opts[i](c)
	}

	return &Allocator{
		cfg:       c,
		idx:       newIndex(),
		freeSpace: atomic.NewInt64(0),
		metrics:   newMetrics(c.registerer),
	}
}

// WithWorkDir returns option to set the directory holding the binlog,
// checkpoint and state database.
func WithWorkDir(dir string) Option {
	return func(c *cfg) {
		c.workDir = dir
	}
}

// WithStorePaths returns option to set the storage roots trunk files
// live under. Order matters: a trunk file's store path index is its
// position in this slice.
func WithStorePaths(paths []string) Option {
	return func(c *cfg) {
		c.storePaths = paths
	}
}

// WithTrunkFileSize returns option to set the size of newly created
// trunk files.
func WithTrunkFileSize(sz int64) Option {
	return func(c *cfg) {
		c.trunkFileSize = sz
	}
}

// WithSlotSizeBounds returns option to set the smallest allocatable
// slot and the largest file size served from trunk space.
func WithSlotSizeBounds(min, max int64) Option {
	return func(c *cfg) {
		c.slotMinSize = min
		c.slotMaxSize = max
	}
}

// WithAlignSize returns option to round allocation sizes up to a
// multiple of sz. Zero disables extra alignment.
func WithAlignSize(sz int64) Option {
	return func(c *cfg) {
		c.alignSize = sz
	}
}

// WithMergeFreeSpaces returns option to coalesce adjacent free extents
// when the checkpoint is rebuilt.
func WithMergeFreeSpaces(merge bool) Option {
	return func(c *cfg) {
		c.mergeFreeSpaces = merge
	}
}

// WithTrimEmptyFiles returns option to unlink trunk files that became
// fully free, beyond the advance creation pool, when the index is
// rebuilt.
func WithTrimEmptyFiles(trim bool) Option {
	return func(c *cfg) {
		c.trimEmptyFiles = trim
	}
}

// WithOccupancyCheck returns option to verify that restored extents do
// not overlap already indexed ones.
func WithOccupancyCheck(check bool) Option {
	return func(c *cfg) {
		c.checkOccupying = check
	}
}

// WithCompactMinInterval returns option to set the minimum time between
// binlog compaction runs.
func WithCompactMinInterval(d time.Duration) Option {
	return func(c *cfg) {
		c.compactMinInterval = d
	}
}

// WithCompactBackup returns option to keep a gzip archive of the
// pre-compaction binlog instead of deleting it.
func WithCompactBackup(keep bool) Option {
	return func(c *cfg) {
		c.keepCompactBackup = keep
	}
}

// WithAdvanceCreation returns option to keep count trunk files created
// ahead of demand on every store path, as long as the path keeps at
// least reserved bytes free.
func WithAdvanceCreation(count int, reserved uint64) Option {
	return func(c *cfg) {
		c.advanceFileCount = count
		c.reservedSpace = reserved
	}
}

// WithWorkerPool returns option to run background jobs (compaction,
// advance trunk creation) on the given pool.
func WithWorkerPool(p util.WorkerPool) Option {
	return func(c *cfg) {
		c.pool = p
	}
}

// WithLogger returns option to specify the allocator's logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *cfg) {
		c.log = l.With(zap.String("component", "TrunkAllocator"))
	}
}

// WithMetricsRegisterer returns option to register the allocator's
// metrics with r.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(c *cfg) {
		c.registerer = r
	}
}

func (a *Allocator) binlogPath() string     { return filepath.Join(a.workDir, binlogName) }
func (a *Allocator) checkpointPath() string { return filepath.Join(a.workDir, checkpointName) }
func (a *Allocator) rollbackPath() string   { return filepath.Join(a.workDir, rollbackName) }
func (a *Allocator) statePath() string      { return filepath.Join(a.workDir, stateDBName) }

// Open initializes the allocator: opens the persistent state, resolves
// any compaction interrupted by a crash, and rebuilds the free space
// index from the checkpoint and binlog.
func (a *Allocator) Open() error {
	if len(a.storePaths) == 0 {
		return fmt.Errorf("no store paths configured")
	}

	s, err := state.Open(a.statePath(), 0o640)
	if err != nil {
		return err
	}
	a.store = s

	if err := a.recoverCompaction(); err != nil {
		_ = a.store.Close()
		return err
	}

	w, err := binlog.OpenWriter(a.binlogPath())
	if err != nil {
		_ = a.store.Close()
		return err
	}
	a.wal = w

	if err := a.load(); err != nil {
		_ = a.wal.Close()
		_ = a.store.Close()
		return fmt.Errorf("restore trunk free space: %w", err)
	}

	lastID, err := a.store.CurrentTrunkFileID()
	if err != nil {
		_ = a.wal.Close()
		_ = a.store.Close()
		return err
	}

	a.log.Info("trunk allocator opened",
		zap.Uint32("last_trunk_file_id", lastID),
		zap.Int("free_extents", a.idx.count()),
		zap.Int64("free_space", a.freeSpace.Load()))

	if a.advanceFileCount > 0 {
		if err := a.pool.Submit(a.createFilesInAdvance); err != nil {
			a.log.Warn("could not schedule advance trunk creation", zap.Error(err))
		}
	}

	return nil
}

// Close flushes the binlog and releases persistent resources.
func (a *Allocator) Close() error {
	var err error
	if a.wal != nil {
		err = a.wal.Close()
	}
	if a.store != nil {
		if cerr := a.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// FreeBytes returns the total indexed free space in bytes, held slots
// included.
func (a *Allocator) FreeBytes() int64 {
	return a.freeSpace.Load()
}

// Fits reports whether a file of the given payload size may be stored
// in trunk space at all. The subtraction form keeps huge sizes from
// wrapping around.
func (a *Allocator) Fits(size int64) bool {
	return size >= 0 && size <= a.slotMaxSize-trunk.HeaderSize
}

// allocSize converts a payload size to the slot size actually reserved:
// header included, aligned, never below the minimum slot size.
func (a *Allocator) allocSize(size int64) int64 {
	sz := size + trunk.HeaderSize
	if sz < a.slotMinSize {
		sz = a.slotMinSize
	}
	if a.alignSize > 1 {
		if rem := sz % a.alignSize; rem != 0 {
			sz += a.alignSize - rem
		}
	}
	return sz
}

// logSpace appends a binlog record and keeps the free space counter in
// step with the log. Every indexed byte is covered by exactly one
// unmatched ADD record.
func (a *Allocator) logSpace(op binlog.Op, info trunk.FullInfo) error {
	err := a.wal.Write(binlog.Record{
		Timestamp: time.Now().Unix(),
		Op:        op,
		Info:      info,
	})
	if err != nil {
		return err
	}
	a.accountSpace(op, info.Size)
	return nil
}

func (a *Allocator) accountSpace(op binlog.Op, size int64) {
	if op == binlog.OpAddSpace {
		a.freeSpace.Add(size)
	} else {
		a.freeSpace.Add(-size)
	}
	a.metrics.setFreeSpace(a.freeSpace.Load())
}

// preallocStorePaths makes sure every store path has its data directory
// tree. Paths are prepared in parallel.
func (a *Allocator) preallocStorePaths() error {
	var eg errgroup.Group
	for i := range a.storePaths {
		p := a.storePaths[i]
		eg.Go(func() error {
			return ensureDataDirs(p)
		})
	}
	return eg.Wait()
}
