package dio

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
)

// how long a slot write waits for its trunk file to finish
// preallocating
const fileReadyTimeout = 10 * time.Second

func (w *worker) writeChunk(fc *FileContext) error {
	flag := os.O_WRONLY | os.O_CREATE
	if fc.Trunk != nil {
		flag = os.O_RDWR
	}

	f, err := w.fds.open(fc.Path, flag)
	if err != nil {
		return fmt.Errorf("open %q for write: %w", fc.Path, err)
	}

	if fc.Op == OpWrite && fc.Trunk != nil && !fc.guarded {
		if err := w.guardTrunkSlot(f, fc); err != nil {
			return err
		}
	}

	n := int64(len(fc.Buf))
	if r := fc.Remaining(); n > r {
		n = r
	}
	buf := fc.Buf[:n]

	if _, err := f.WriteAt(buf, fc.Offset); err != nil {
		w.fds.drop(fc.Path)
		return fmt.Errorf("write %q at %d: %w", fc.Path, fc.Offset, err)
	}

	fc.updateDigests(buf)
	fc.Offset += n
	w.eng.metrics.addWritten(n)

	if fc.Finished() {
		return w.finishWrite(f, fc)
	}
	return nil
}

// guardTrunkSlot verifies the target slot reads back as free before the
// first byte is written, then stamps the slot header so a concurrent
// allocation of the same slot trips over it. A stale allocation against
// an occupied slot surfaces as fs.ErrExist, which the allocator treats
// by dropping the extent.
func (w *worker) guardTrunkSlot(f *os.File, fc *FileContext) error {
	var hdr [trunk.HeaderSize]byte
	_, err := f.ReadAt(hdr[:], fc.Trunk.Offset)
	if err == io.EOF {
		// short file: preallocation may still be in flight
		if err = trunk.WaitFileReady(fc.Path, fc.Trunk.End(), fileReadyTimeout); err != nil {
			return fmt.Errorf("trunk file of slot %s: %w", fc.Trunk, err)
		}
		_, err = f.ReadAt(hdr[:], fc.Trunk.Offset)
	}
	if err != nil {
		return fmt.Errorf("read trunk slot header of %q at %d: %w", fc.Path, fc.Trunk.Offset, err)
	}
	if !trunk.HeaderBytesFree(hdr[:]) {
		return fmt.Errorf("trunk slot %s: %w", fc.Trunk, fs.ErrExist)
	}

	if fc.Header != nil {
		h := *fc.Header
		h.AllocSize = fc.Trunk.Size
		h.CRC32 = 0
		h.MTime = 0
		if _, err := f.WriteAt(h.Marshal(), fc.Trunk.Offset); err != nil {
			return fmt.Errorf("write trunk slot header of %q: %w", fc.Path, err)
		}
	}

	fc.guarded = true
	return nil
}

// finishWrite settles a completed upload: the trunk slot header gets
// its final checksum and timestamp.
func (w *worker) finishWrite(f *os.File, fc *FileContext) error {
	if fc.Trunk == nil || fc.Header == nil {
		return nil
	}

	fc.Header.AllocSize = fc.Trunk.Size
	fc.Header.CRC32 = fc.CRC32
	fc.Header.MTime = time.Now().Unix()

	if _, err := f.WriteAt(fc.Header.Marshal(), fc.Trunk.Offset); err != nil {
		w.fds.drop(fc.Path)
		return fmt.Errorf("finalize trunk slot header of %q: %w", fc.Path, err)
	}
	return nil
}
