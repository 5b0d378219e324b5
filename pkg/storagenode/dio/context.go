// Package dio executes file I/O of the storage node on dedicated
// worker goroutines, one set per store path, so slow disks never stall
// the network event loop.
//
// A task is described by a FileContext and processed in chunks: every
// completed chunk hands control back to the task's Notifier, which
// re-submits the context when the peer is ready for more data. Tasks
// with the same connection id always land on the same worker, so their
// chunks execute in submission order.
package dio

import (
	"hash/crc32"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
)

// Op is the kind of file task.
type Op uint8

const (
	// OpRead streams a file (or trunk slot) to the peer chunk by chunk.
	OpRead Op = iota
	// OpWrite stores a fresh file upload.
	OpWrite
	// OpAppend extends an appender file.
	OpAppend
	// OpModify overwrites a region of an existing file.
	OpModify
	// OpTruncate cuts an appender file down to a given length.
	OpTruncate
	// OpDelete removes a file, or clears a trunk slot.
	OpDelete
	// OpDiscard swallows the remaining payload of an aborted upload
	// without touching the disk.
	OpDiscard
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAppend:
		return "append"
	case OpModify:
		return "modify"
	case OpTruncate:
		return "truncate"
	case OpDelete:
		return "delete"
	case OpDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// CleanupKind selects what happens to the target file when its task
// fails mid-way.
type CleanupKind uint8

const (
	// CleanupNone leaves the file as is.
	CleanupNone CleanupKind = iota
	// CleanupUnlink removes the partly written file of a fresh upload.
	CleanupUnlink
	// CleanupTruncate cuts an appender file back to its pre-task size.
	CleanupTruncate
	// CleanupLogOnly records the damage of an interrupted modify; the
	// overwritten region cannot be restored.
	CleanupLogOnly
	// CleanupTrunkSlot clears the slot of an interrupted trunk upload
	// so it never reads back as occupied.
	CleanupTrunkSlot
)

// Notifier receives task progress. Implementations belong to the
// network layer; they are invoked on the worker goroutine and must not
// block on disk I/O.
type Notifier interface {
	// Continue is called after each completed chunk while the task is
	// unfinished. For reads the chunk is in Buf; for writes the
	// notifier fills Buf with the next chunk and re-submits the
	// context when ready.
	Continue(fc *FileContext)

	// Done is called exactly once when the task ends. A nil err means
	// success; otherwise cleanup already ran.
	Done(fc *FileContext, err error)
}

// FileContext carries the full state of one file task across chunk
// executions.
type FileContext struct {
	Op     Op
	ConnID uint64

	// Path is the absolute file path. Left empty for trunk slot tasks,
	// the engine derives it from Trunk.
	Path           string
	StorePathIndex int

	// Trunk is set for tasks targeting a trunk slot.
	Trunk *trunk.FullInfo
	// Header is the slot header of a trunk upload. FileType, FileSize
	// and ExtName are filled by the caller; CRC32 and MTime by the
	// engine when the upload completes.
	Header *trunk.Header

	// Start is the first byte of the task's file region, End one past
	// the last. Offset is the next byte to process.
	Start  int64
	End    int64
	Offset int64

	// Buf is the current chunk: payload to write, or the freshly read
	// chunk for the notifier to send.
	Buf []byte

	Cleanup  CleanupKind
	Notifier Notifier

	// UserData is opaque caller state carried through the task,
	// typically the network session the task belongs to.
	UserData any

	// CRC32 accumulates over all written payload bytes.
	CRC32 uint32
	// Hash optionally accumulates the payload into application hashes
	// (see Hash4), updated alongside CRC32.
	Hash FileHash

	guarded bool
	abort   bool
}

// Finished reports whether the task has processed its whole region.
func (fc *FileContext) Finished() bool {
	return fc.Offset >= fc.End
}

// Remaining returns the byte count still to process.
func (fc *FileContext) Remaining() int64 {
	if fc.Finished() {
		return 0
	}
	return fc.End - fc.Offset
}

func (fc *FileContext) updateDigests(p []byte) {
	fc.CRC32 = crc32.Update(fc.CRC32, crc32.IEEETable, p)
	if fc.Hash != nil {
		_, _ = fc.Hash.Write(p)
	}
}
