// Package watcher feeds local filesystem change notifications into the
// engine's file change handlers. It is one possible FileChangeSource; an
// embedding host can attach its own notification stream instead.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-parse/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type FilesystemSource struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	paths           []string
	watcher         *fsnotify.Watcher
	handlers        []types.FileChangeHandler
	handlersMu      sync.RWMutex
	state           atomic.Value
	done            chan struct{}
	shutdownTimeout time.Duration
}

func NewFilesystemSource(ctx context.Context, logger types.Logger, config *types.WatcherConfig) (*FilesystemSource, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	sourceCtx, cancel := context.WithCancel(ctx)

	source := &FilesystemSource{
		ctx:             sourceCtx,
		cancel:          cancel,
		logger:          logger,
		paths:           config.Paths,
		done:            make(chan struct{}),
		shutdownTimeout: 5 * time.Second,
	}

	source.state.Store(StateStopped)

	return source, nil
}

func (s *FilesystemSource) Attach(handler types.FileChangeHandler) {
	if handler == nil {
		return
	}

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.handlers = append(s.handlers, handler)
}

func (s *FilesystemSource) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to create filesystem watcher")
	}
	s.watcher = watcher

	for _, path := range s.paths {
		if err := s.addRecursive(path); err != nil {
			s.logger.Warn("Failed to watch path",
				zap.String("path", path),
				zap.Error(err))
		}
	}

	go s.watchLoop()

	s.logger.Info("Filesystem watcher started", zap.Int("paths", len(s.paths)))

	return nil
}

func (s *FilesystemSource) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				return types.WrapError(err, "failed to close filesystem watcher")
			}
		}

		select {
		case <-s.done:
			return nil
		case <-gCtx.Done():
			return types.ErrWatcherClosed
		}
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("Filesystem watcher stop incomplete", zap.Error(err))
		return err
	}

	s.logger.Info("Filesystem watcher stopped gracefully")
	return nil
}

func (s *FilesystemSource) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *FilesystemSource) watchLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.dispatch(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Filesystem watcher error", zap.Error(err))
		}
	}
}

func (s *FilesystemSource) dispatch(event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		// New directories join the watch set so nested changes keep flowing.
		if info, err := os.Stat(event.Name); err == nil {
			if info.IsDir() {
				if err := s.addRecursive(event.Name); err != nil {
					s.logger.Warn("Failed to watch new directory",
						zap.String("path", event.Name),
						zap.Error(err))
				}
				return
			}
			s.notifyModify(event.Name, info.ModTime())
		}

	case event.Op.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && !info.IsDir() {
			s.notifyModify(event.Name, info.ModTime())
		}

	case event.Op.Has(fsnotify.Remove):
		s.notifyDelete(event.Name)

	case event.Op.Has(fsnotify.Rename):
		// fsnotify reports only the old name; the create event for the new
		// name arrives separately, so a rename degrades to a delete here.
		s.notifyDelete(event.Name)
	}
}

func (s *FilesystemSource) notifyModify(path string, mtime time.Time) {
	s.handlersMu.RLock()
	handlers := make([]types.FileChangeHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler.OnModify(path, mtime)
	}

	s.logger.Debug("File modified", zap.String("path", path))
}

func (s *FilesystemSource) notifyDelete(path string) {
	s.handlersMu.RLock()
	handlers := make([]types.FileChangeHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler.OnDelete(path)
	}

	s.logger.Debug("File deleted", zap.String("path", path))
}

func (s *FilesystemSource) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *FilesystemSource) getState() State {
	return s.state.Load().(State)
}

func (s *FilesystemSource) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *FilesystemSource) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
