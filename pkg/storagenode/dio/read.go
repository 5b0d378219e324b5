package dio

import (
	"fmt"
	"os"
)

func (w *worker) readChunk(fc *FileContext) error {
	f, err := w.fds.open(fc.Path, os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("open %q for read: %w", fc.Path, err)
	}

	n := int64(w.eng.chunkSize)
	if r := fc.Remaining(); r < n {
		n = r
	}

	if int64(cap(fc.Buf)) < n {
		fc.Buf = make([]byte, n)
	}
	buf := fc.Buf[:n]

	if _, err := f.ReadAt(buf, fc.Offset); err != nil {
		w.fds.drop(fc.Path)
		return fmt.Errorf("read %q at %d: %w", fc.Path, fc.Offset, err)
	}

	fc.Buf = buf
	fc.Offset += n
	w.eng.metrics.addRead(n)

	return nil
}
