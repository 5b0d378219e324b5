package dio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
	"github.com/fastdfs-go/storagenode/pkg/util/logger"
	"github.com/nspcc-dev/hrw"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("dio engine is stopped")

	// ErrQueueFull is returned by Submit when the target worker's
	// queue is saturated.
	ErrQueueFull = errors.New("dio worker queue is full")

	// ErrAborted is delivered to Done when a task is cancelled via
	// Abort before finishing.
	ErrAborted = errors.New("file task aborted")
)

// Engine runs file tasks on per-store-path worker pools.
type Engine struct {
	*cfg

	running *atomic.Bool
	live    *atomic.Int32

	mtx sync.RWMutex
	wg  sync.WaitGroup

	paths []*pathWorkers

	metrics *engineMetrics
}

type pathWorkers struct {
	writers []*worker
	readers []*worker
}

// Option is an option of the Engine's constructor.
type Option func(*cfg)

type cfg struct {
	storePaths []string

	writersPerPath int
	readersPerPath int

	chunkSize   int
	queueDepth  int
	fdCacheSize int

	log *logger.Logger

	registerer prometheus.Registerer
}

func defaultCfg() *cfg {
	return &cfg{
		writersPerPath: 1,
		chunkSize:      256 << 10,
		queueDepth:     1024,
		fdCacheSize:    256,
		log:            zap.L(),
	}
}

// New creates an Engine instance.
func New(opts ...Option) *Engine {
	c := defaultCfg()

	for i := range opts {
		opts[i](c)
	}

	return &Engine{
		cfg:     c,
		running: atomic.NewBool(false),
		live:    atomic.NewInt32(0),
		metrics: newEngineMetrics(c.registerer),
	}
}

// WithStorePaths returns option to set the storage roots served by the
// engine, indexed the same way the allocator indexes them.
func WithStorePaths(paths []string) Option {
	return func(c *cfg) {
		c.storePaths = paths
	}
}

// WithWriterCount returns option to set the number of I/O workers per
// store path.
func WithWriterCount(n int) Option {
	return func(c *cfg) {
		c.writersPerPath = n
	}
}

// WithSeparateReaders returns option to run n dedicated read workers
// per store path instead of mixing reads into the writer pool.
func WithSeparateReaders(n int) Option {
	return func(c *cfg) {
		c.readersPerPath = n
	}
}

// WithChunkSize returns option to set the chunk size of streamed reads
// and writes.
func WithChunkSize(sz int) Option {
	return func(c *cfg) {
		c.chunkSize = sz
	}
}

// WithQueueDepth returns option to set per-worker queue capacity.
func WithQueueDepth(n int) Option {
	return func(c *cfg) {
		c.queueDepth = n
	}
}

// WithFDCacheSize returns option to set how many open descriptors each
// worker keeps cached.
func WithFDCacheSize(n int) Option {
	return func(c *cfg) {
		c.fdCacheSize = n
	}
}

// WithLogger returns option to specify the engine's logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *cfg) {
		c.log = l.With(zap.String("component", "DIOEngine"))
	}
}

// WithMetricsRegisterer returns option to register the engine's
// metrics with r.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(c *cfg) {
		c.registerer = r
	}
}

// Start spawns the worker pools.
func (e *Engine) Start() error {
	if len(e.storePaths) == 0 {
		return fmt.Errorf("no store paths configured")
	}
	if e.writersPerPath < 1 {
		return fmt.Errorf("writer count must be positive")
	}

	e.paths = make([]*pathWorkers, len(e.storePaths))
	for i := range e.storePaths {
		pw := &pathWorkers{
			writers: e.spawnWorkers(e.writersPerPath),
		}
		if e.readersPerPath > 0 {
			pw.readers = e.spawnWorkers(e.readersPerPath)
		}
		e.paths[i] = pw
	}

	e.running.Store(true)

	e.log.Info("dio engine started",
		zap.Int("store_paths", len(e.storePaths)),
		zap.Int("writers_per_path", e.writersPerPath),
		zap.Int("readers_per_path", e.readersPerPath))

	return nil
}

func (e *Engine) spawnWorkers(n int) []*worker {
	ws := make([]*worker, n)
	for i := range ws {
		w := &worker{
			eng:   e,
			queue: make(chan *FileContext, e.queueDepth),
			fds:   newFDCache(e.fdCacheSize),
		}
		ws[i] = w

		e.wg.Add(1)
		e.live.Inc()
		go w.run()
	}
	return ws
}

// Submit queues a file task. Tasks sharing a connection id execute in
// submission order.
func (e *Engine) Submit(fc *FileContext) error {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	if !e.running.Load() {
		return ErrStopped
	}

	if fc.Trunk != nil {
		fc.StorePathIndex = int(fc.Trunk.Path.StorePathIndex)
		if fc.Path == "" {
			if fc.StorePathIndex >= len(e.storePaths) {
				return fmt.Errorf("store path index %d out of range", fc.StorePathIndex)
			}
			fc.Path = trunk.FilePath(e.storePaths[fc.StorePathIndex], *fc.Trunk)
		}
	}
	if fc.StorePathIndex < 0 || fc.StorePathIndex >= len(e.paths) {
		return fmt.Errorf("store path index %d out of range", fc.StorePathIndex)
	}

	pw := e.paths[fc.StorePathIndex]
	pool := pw.writers
	if fc.Op == OpRead && len(pw.readers) > 0 {
		pool = pw.readers
	}

	w := pool[e.dispatch(fc.ConnID, len(pool))]

	select {
	case w.queue <- fc:
		return nil
	default:
		return ErrQueueFull
	}
}

// Abort cancels an unfinished task, typically because its connection
// dropped mid-transfer. The abort is queued to the task's worker like
// any chunk, so it executes after whatever is in flight; the task's
// cleanup kind is applied and Done is delivered with ErrAborted.
func (e *Engine) Abort(fc *FileContext) error {
	fc.abort = true
	return e.Submit(fc)
}

// dispatch maps a connection id onto a worker slot.
func (e *Engine) dispatch(connID uint64, n int) int {
	if n == 1 {
		return 0
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], connID)
	return int(hrw.Hash(key[:]) % uint64(n))
}

// Stop shuts the pools down and waits for in-flight tasks to finish.
// Queued tasks still execute; new submissions fail with ErrStopped.
func (e *Engine) Stop() {
	e.mtx.Lock()
	if !e.running.Swap(false) {
		e.mtx.Unlock()
		return
	}
	for _, pw := range e.paths {
		for _, w := range append(pw.writers, pw.readers...) {
			close(w.queue)
		}
	}
	e.mtx.Unlock()

	e.wg.Wait()

	e.log.Info("dio engine stopped")
}

// LiveWorkers returns the number of running worker goroutines.
func (e *Engine) LiveWorkers() int {
	return int(e.live.Load())
}

type worker struct {
	eng   *Engine
	queue chan *FileContext
	fds   *fdCache
}

func (w *worker) run() {
	defer func() {
		w.fds.purge()
		w.eng.live.Dec()
		w.eng.wg.Done()
	}()

	for fc := range w.queue {
		w.serve(fc)
	}
}

func (w *worker) serve(fc *FileContext) {
	if fc.abort {
		w.eng.metrics.taskDone(fc.Op, false)
		w.cleanup(fc, ErrAborted)
		fc.Notifier.Done(fc, ErrAborted)
		return
	}

	start := time.Now()
	err := w.step(fc)
	w.eng.metrics.chunkDone(fc.Op, time.Since(start))

	if err != nil {
		w.eng.metrics.taskDone(fc.Op, false)
		w.cleanup(fc, err)
		fc.Notifier.Done(fc, err)
		return
	}

	if fc.Finished() {
		w.eng.metrics.taskDone(fc.Op, true)
		fc.Notifier.Done(fc, nil)
		return
	}

	fc.Notifier.Continue(fc)
}

func (w *worker) step(fc *FileContext) error {
	switch fc.Op {
	case OpRead:
		return w.readChunk(fc)
	case OpWrite, OpAppend, OpModify:
		return w.writeChunk(fc)
	case OpTruncate:
		return w.truncate(fc)
	case OpDelete:
		return w.delete(fc)
	case OpDiscard:
		return w.discard(fc)
	default:
		return fmt.Errorf("unknown file op %d", fc.Op)
	}
}
