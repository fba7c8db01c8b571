package input

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Settle is how long a new file must stay quiet before it is emitted.
const Settle = 300 * time.Millisecond

// Watch emits descriptor files created or rewritten in dir once they have
// been quiet for Settle. The channel closes when ctx is done or the
// watcher fails.
func Watch(ctx context.Context, dir string) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "input: create watcher")
	}
	if err := w.Add(dir); err != nil {
		w.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "input: watch %s", dir)
	}

	log := zap.L().With(zap.String("dir", dir))
	log.Info("input: watching for descriptors")

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer w.Close() //nolint:errcheck

		pending := map[string]time.Time{}
		ticker := time.NewTicker(Settle / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !IsDescriptor(ev.Name) {
					continue
				}
				pending[filepath.Clean(ev.Name)] = time.Now()
			case now := <-ticker.C:
				for name, t := range pending {
					if now.Sub(t) < Settle {
						continue
					}
					delete(pending, name)
					select {
					case out <- name:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("input: watch error", zap.Error(err))
			}
		}
	}()

	return out, nil
}
