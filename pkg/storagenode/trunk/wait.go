package trunk

import (
	"fmt"
	"os"
	"time"
)

// WaitFileReady polls until the trunk file at path reaches at least
// size bytes. Used when a slot write races the preallocation of its
// trunk file by another goroutine or process.
func WaitFileReady(path string, size int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		fi, err := os.Stat(path)
		switch {
		case err == nil && fi.Size() >= size:
			return nil
		case err != nil && !os.IsNotExist(err):
			return fmt.Errorf("stat trunk file %q: %w", path, err)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("trunk file %q not ready after %s", path, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
