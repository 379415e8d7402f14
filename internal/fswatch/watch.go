// Package fswatch watches a single file through its parent directory and
// calls back, debounced, whenever the file is written, replaced or removed.
package fswatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "regionworker/pkg/logx"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

type Options struct {
	Debounce time.Duration
	Log      logx.Logger
}

// Watch blocks until ctx is canceled. Editors that save by rename are handled
// because the directory, not the file, is watched. A broken watcher is
// recreated with jittered backoff.
func Watch(ctx context.Context, path string, opt Options, onChange func()) error {
	if onChange == nil {
		<-ctx.Done()
		return nil
	}
	if opt.Debounce <= 0 {
		opt.Debounce = DefaultDebounce
	}
	log := opt.Log
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}

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
		timer = time.AfterFunc(opt.Debounce, func() {
			if ctx.Err() != nil {
				return
			}
			onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			log.Warn("watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		log.Debug("watcher started", logx.String("dir", dir), logx.String("file", file))

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
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					log.Debug("change detected", logx.String("path", path), logx.String("op", ev.Op.String()))
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were lost; fire once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					log.Warn("watch overflow; forcing change", logx.Err(err), logx.String("dir", dir))
					debounce()
					continue
				}
				log.Warn("watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		log.Warn("watcher stopped; restarting", logx.String("dir", dir), logx.String("file", file), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}
