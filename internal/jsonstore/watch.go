package jsonstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tunerd/pkg/logx"
)

// Watch delivers validated snapshots of a JSON store to onUpdate.
//
// parse must decode AND validate; when it fails the change is rejected,
// a warning is logged and the subscriber keeps its previous snapshot.
// When the file exists at watch start, one initial snapshot is
// delivered before any change events. Blocks until ctx is done.
func Watch[T any](ctx context.Context, path string, parse func([]byte) (T, error), onUpdate func(T), log logx.Logger) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	load := func() {
		v, err := loadWith(path, parse)
		if err != nil {
			log.Warn("store change rejected; keeping last known-good",
				logx.String("path", path), logx.Err(err))
			return
		}
		onUpdate(v)
	}

	// Initial snapshot so the subscriber starts from persisted state.
	if _, err := os.Stat(path); err == nil {
		load()
	}

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		// The writer replaces the whole file atomically, but editors may
		// not; a short delay avoids reading half a write.
		timer = time.AfterFunc(200*time.Millisecond, load)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("store watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < restartBackoffMax {
				backoff *= 2
			}
			continue
		}
		backoff = restartBackoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
						debounce()
					}
				}
			case werr, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if werr != nil {
					log.Warn("store watch error", logx.Err(werr), logx.String("path", path))
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < restartBackoffMax {
			backoff *= 2
		}
	}
}

func loadWith[T any](path string, parse func([]byte) (T, error)) (T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		var zero T
		return zero, err
	}
	return parse(b)
}
