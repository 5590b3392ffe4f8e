package ml

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider serves the current scorer and swaps in a new one when the
// artifact on disk changes. A failed reload keeps the previous scorer.
type Provider struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Scorer]

	mu        sync.Mutex
	listeners []func(*Scorer)
}

func NewProvider(path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{path: path, logger: logger}
}

func (p *Provider) Path() string {
	return p.path
}

func (p *Provider) Current() (*Scorer, error) {
	s := p.current.Load()
	if s == nil {
		return nil, ErrNoModel
	}
	return s, nil
}

// Set installs a scorer directly, bypassing the artifact file.
func (p *Provider) Set(s *Scorer) {
	p.current.Store(s)
	p.notify(s)
}

// OnReload registers fn to be called after every successful swap.
func (p *Provider) OnReload(fn func(*Scorer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Provider) Reload() error {
	s, err := LoadScorer(p.path)
	if err != nil {
		return err
	}
	p.current.Store(s)
	p.logger.Info("model loaded",
		zap.String("path", p.path),
		zap.String("model_id", s.ID()),
		zap.Int("dimension", s.Model().Dimension()),
		zap.Float64("threshold", s.Threshold()),
	)
	p.notify(s)
	return nil
}

func (p *Provider) notify(s *Scorer) {
	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Watch reloads the artifact whenever it is written or replaced, until ctx
// is done. The parent directory is watched so atomic renames are seen.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(p.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("model reload failed, keeping current model",
					zap.String("path", p.path), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("model watcher error", zap.Error(err))
		}
	}
}
