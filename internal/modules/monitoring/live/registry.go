package live

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrViewNotFound   = errors.New("live view not found")
	ErrRegistryClosed = errors.New("live view registry closed")
)

// Recorder receives registry and fetch counts; *metrics.Metrics satisfies it.
type Recorder interface {
	SetLiveViews(n int)
	SensorFetch(err error)
}

type RegistryOptions struct {
	Events      EventSource
	Fetcher     ReadingFetcher
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Recorder    Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	view     *View
	token    string
	lastSeen time.Time
}

// Registry owns the mounted views, one per open dashboard page. A view is
// unmounted when its page closes it or when it has not been polled for
// IdleTimeout.
type Registry struct {
	opts   RegistryOptions
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	return &Registry{
		opts:    opts,
		logger:  opts.Logger,
		entries: make(map[string]*entry),
	}
}

// Open creates and mounts a view for token. Mount performs the initial fetch,
// so Open blocks until it completes. After CloseAll it returns
// ErrRegistryClosed.
func (r *Registry) Open(ctx context.Context, token string) (string, *View, error) {
	id := uuid.NewString()
	logger := r.logger.With("view_id", id)

	deps := ViewDeps{
		Token:   token,
		Events:  r.opts.Events,
		Fetcher: r.opts.Fetcher,
		Logger:  logger,
	}
	if r.opts.Recorder != nil {
		deps.OnFetch = r.opts.Recorder.SensorFetch
	}
	v := NewView(deps)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, ErrRegistryClosed
	}
	r.entries[id] = &entry{view: v, token: token, lastSeen: r.opts.Now()}
	n := len(r.entries)
	r.mu.Unlock()
	r.report(n)

	// A CloseAll racing this Mount has already unmounted v, so Mount is a no-op.
	v.Mount(ctx)
	logger.Debug("live view mounted")
	return id, v, nil
}

// Get returns the view opened under id by the same token and marks it seen.
func (r *Registry) Get(id, token string) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !sameToken(e.token, token) {
		return nil, ErrViewNotFound
	}
	e.lastSeen = r.opts.Now()
	return e.view, nil
}

// Close unmounts and forgets the view opened under id by the same token.
func (r *Registry) Close(id, token string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !sameToken(e.token, token) {
		r.mu.Unlock()
		return ErrViewNotFound
	}
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	e.view.Unmount()
	r.report(n)
	r.logger.Debug("live view closed", "view_id", id)
	return nil
}

// Reap unmounts views not seen since now-IdleTimeout and returns how many
// were removed.
func (r *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	var stale []*View
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.view)
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, v := range stale {
		v.Unmount()
	}
	if len(stale) > 0 {
		r.report(n)
		r.logger.Debug("reaped idle live views", "count", len(stale))
	}
	return len(stale)
}

// Run reaps idle views until ctx is done, then unmounts every view.
func (r *Registry) Run(ctx context.Context) {
	interval := r.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.Reap(r.opts.Now())
		}
	}
}

// CloseAll unmounts and forgets every view. No views can be opened after it.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	views := make([]*View, 0, len(r.entries))
	for _, e := range r.entries {
		views = append(views, e.view)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, v := range views {
		v.Unmount()
	}
	r.report(0)
	if len(views) > 0 {
		r.logger.Info("closed live views", "count", len(views))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) report(n int) {
	if r.opts.Recorder != nil {
		r.opts.Recorder.SetLiveViews(n)
	}
}

func sameToken(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
