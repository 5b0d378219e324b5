package dio

import (
	"fmt"
	"os"

	"github.com/fastdfs-go/storagenode/pkg/storagenode/trunk"
)

func (w *worker) truncate(fc *FileContext) error {
	f, err := w.fds.open(fc.Path, os.O_WRONLY)
	if err != nil {
		return fmt.Errorf("open %q for truncate: %w", fc.Path, err)
	}
	if err := f.Truncate(fc.End); err != nil {
		w.fds.drop(fc.Path)
		return fmt.Errorf("truncate %q to %d: %w", fc.Path, fc.End, err)
	}

	fc.Offset = fc.End
	return nil
}

func (w *worker) delete(fc *FileContext) error {
	if fc.Trunk == nil {
		w.fds.drop(fc.Path)
		if err := os.Remove(fc.Path); err != nil {
			return fmt.Errorf("remove %q: %w", fc.Path, err)
		}
		fc.Offset = fc.End
		return nil
	}

	f, err := w.fds.open(fc.Path, os.O_RDWR)
	if err != nil {
		return fmt.Errorf("open %q for slot delete: %w", fc.Path, err)
	}
	if err := w.clearTrunkSlot(f, fc.Trunk); err != nil {
		w.fds.drop(fc.Path)
		return err
	}

	fc.Offset = fc.End
	return nil
}

// clearTrunkSlot rewrites the slot header as free, keeping the
// allocation size for later accounting, and zeroes the slot body so a
// deleted file never leaks through a stale read.
func (w *worker) clearTrunkSlot(f *os.File, info *trunk.FullInfo) error {
	hdr := trunk.Header{
		FileType:  trunk.FileTypeNone,
		AllocSize: info.Size,
	}
	if _, err := f.WriteAt(hdr.Marshal(), info.Offset); err != nil {
		return fmt.Errorf("clear trunk slot header %s: %w", info, err)
	}

	zeros := make([]byte, w.eng.chunkSize)
	off := info.Offset + trunk.HeaderSize
	end := info.End()
	for off < end {
		n := int64(len(zeros))
		if r := end - off; r < n {
			n = r
		}
		if _, err := f.WriteAt(zeros[:n], off); err != nil {
			return fmt.Errorf("zero trunk slot %s at %d: %w", info, off, err)
		}
		off += n
	}
	return nil
}

func (w *worker) discard(fc *FileContext) error {
	n := int64(len(fc.Buf))
	if r := fc.Remaining(); n > r {
		n = r
	}
	fc.Offset += n
	return nil
}
