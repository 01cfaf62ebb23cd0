package keystore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settle is how long a burst of file events is collapsed into one reload.
const settle = 100 * time.Millisecond

// Watch reloads the keystore whenever its file is written or replaced,
// until ctx is done. The directory is watched so that editors and tools
// replacing the file by rename are seen too.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || name != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("keystore watch error", zap.Error(err))
		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.log.Error("keystore reload failed, keeping the previous certificate", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
