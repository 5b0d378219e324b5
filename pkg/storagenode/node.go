// Package storagenode assembles the storage node from its parts: the
// trunk space allocator, the disk I/O engine and their shared
// infrastructure.
package storagenode

import (
	"fmt"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/config"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/dio"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk/allocator"
	"github.com/fastdfs-go/storagenode/pkg/util"
	"github.com/fastdfs-go/storagenode/pkg/util/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// background maintenance cadence; every tick checks whether binlog
// compaction is due
const maintenanceInterval = 10 * time.Minute

// Node is a running storage node instance.
type Node struct {
	log *logger.Logger

	alloc  *allocator.Allocator
	engine *dio.Engine

	pool util.WorkerPool

	registry *prometheus.Registry

	stopMaintenance chan struct{}
}

// New builds a Node from its configuration. Start must be called
// before use.
func New(c *config.Config, log *logger.Logger) (*Node, error) {
	registry := prometheus.NewRegistry()

	pool, err := util.NewWorkerPool(4)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	alloc := allocator.New(
		allocator.WithWorkDir(c.Storage.WorkDir),
		allocator.WithStorePaths(c.Storage.StorePaths),
		allocator.WithTrunkFileSize(c.TrunkFileSize()),
		allocator.WithSlotSizeBounds(c.SlotMinSize(), c.SlotMaxSize()),
		allocator.WithAlignSize(c.AlignSize()),
		allocator.WithMergeFreeSpaces(c.Trunk.MergeFreeSpaces),
		allocator.WithOccupancyCheck(c.Trunk.CheckOccupying),
		allocator.WithTrimEmptyFiles(c.Trunk.TrimEmptyFiles),
		allocator.WithCompactMinInterval(c.Trunk.CompactMinInterval),
		allocator.WithCompactBackup(c.Trunk.CompactBackup),
		allocator.WithAdvanceCreation(c.Trunk.AdvanceFileCount, c.ReservedSpace()),
		allocator.WithWorkerPool(pool),
		allocator.WithLogger(log),
		allocator.WithMetricsRegisterer(registry),
	)

	engine := dio.New(
		dio.WithStorePaths(c.Storage.StorePaths),
		dio.WithWriterCount(c.DIO.WritersPerPath),
		dio.WithSeparateReaders(c.DIO.ReadersPerPath),
		dio.WithChunkSize(c.ChunkSize()),
		dio.WithQueueDepth(c.DIO.QueueDepth),
		dio.WithFDCacheSize(c.DIO.FDCacheSize),
		dio.WithLogger(log),
		dio.WithMetricsRegisterer(registry),
	)

	return &Node{
		log:             log,
		alloc:           alloc,
		engine:          engine,
		pool:            pool,
		registry:        registry,
		stopMaintenance: make(chan struct{}),
	}, nil
}

// Allocator returns the trunk space allocator.
func (n *Node) Allocator() *allocator.Allocator {
	return n.alloc
}

// Engine returns the disk I/O engine.
func (n *Node) Engine() *dio.Engine {
	return n.engine
}

// MetricsGatherer returns the node's metric registry for exposition.
func (n *Node) MetricsGatherer() prometheus.Gatherer {
	return n.registry
}

// Start brings the node up: I/O workers first, then the allocator with
// its index restore, then background maintenance.
func (n *Node) Start() error {
	if err := n.engine.Start(); err != nil {
		return fmt.Errorf("start dio engine: %w", err)
	}
	if err := n.alloc.Open(); err != nil {
		n.engine.Stop()
		return fmt.Errorf("open trunk allocator: %w", err)
	}

	go n.maintenanceLoop()

	return nil
}

func (n *Node) maintenanceLoop() {
	t := time.NewTicker(maintenanceInterval)
	defer t.Stop()

	for {
		select {
		case <-n.stopMaintenance:
			return
		case <-t.C:
			err := n.pool.Submit(func() {
				if err := n.alloc.MaybeCompact(); err != nil {
					n.log.Warn("binlog compaction attempt failed", zap.Error(err))
				}
			})
			if err != nil {
				n.log.Warn("could not schedule binlog compaction", zap.Error(err))
			}
		}
	}
}

// Stop shuts the node down: no new I/O, checkpoint the allocator
// state, release everything.
func (n *Node) Stop() {
	close(n.stopMaintenance)

	n.engine.Stop()

	if err := n.alloc.SaveCheckpoint(); err != nil {
		n.log.Warn("could not save trunk checkpoint on shutdown", zap.Error(err))
	}
	if err := n.alloc.Close(); err != nil {
		n.log.Warn("could not close trunk allocator", zap.Error(err))
	}

	n.pool.Release()

	n.log.Info("storage node stopped")
}
