package dio

import (
	"os"

	"go.uber.org/zap"
)

// cleanup undoes the visible effects of a failed task according to its
// cleanup kind. Runs on the task's worker, before Done is delivered.
func (w *worker) cleanup(fc *FileContext, cause error) {
	log := w.eng.log.With(
		zap.Stringer("op", fc.Op),
		zap.String("path", fc.Path),
		zap.NamedError("cause", cause))

	switch fc.Cleanup {
	case CleanupNone:

	case CleanupUnlink:
		w.fds.drop(fc.Path)
		if err := os.Remove(fc.Path); err != nil && !os.IsNotExist(err) {
			log.Warn("could not remove partly written file", zap.Error(err))
			return
		}
		log.Info("removed partly written file")

	case CleanupTruncate:
		f, err := w.fds.open(fc.Path, os.O_WRONLY)
		if err == nil {
			err = f.Truncate(fc.Start)
		}
		if err != nil {
			w.fds.drop(fc.Path)
			log.Warn("could not truncate partly appended file",
				zap.Int64("size", fc.Start), zap.Error(err))
			return
		}
		log.Info("partly appended file cut back", zap.Int64("size", fc.Start))

	case CleanupLogOnly:
		log.Warn("file region damaged by interrupted modify",
			zap.Int64("start", fc.Start), zap.Int64("end", fc.End))

	case CleanupTrunkSlot:
		// nothing was written if the slot guard itself failed
		if fc.Trunk == nil || !fc.guarded {
			return
		}
		f, err := w.fds.open(fc.Path, os.O_RDWR)
		if err == nil {
			err = w.clearTrunkSlot(f, fc.Trunk)
		}
		if err != nil {
			w.fds.drop(fc.Path)
			log.Warn("could not clear partly written trunk slot", zap.Error(err))
			return
		}
		log.Info("partly written trunk slot cleared",
			zap.Stringer("slot", fc.Trunk))
	}
}
