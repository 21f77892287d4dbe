package live

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"forestwatch-server/internal/modules/monitoring/types"
)

const (
	MaxReadings = 10
	MaxAlerts   = 5

	FetchErrorMessage = "Unable to load sensor data."
)

// EventSource delivers validated push events. Each Subscribe call returns a
// func that removes that listener only.
type EventSource interface {
	SubscribeReadings(fn func(types.Reading)) (unsubscribe func())
	SubscribeAlerts(fn func(types.Alert)) (unsubscribe func())
}

// ReadingFetcher loads the initial snapshot of readings.
type ReadingFetcher interface {
	FetchReadings(ctx context.Context, token string, limit int) ([]types.Reading, error)
}

type ViewDeps struct {
	Token   string
	Events  EventSource
	Fetcher ReadingFetcher
	Logger  *slog.Logger
	// OnFetch, when set, is called once with the initial fetch result.
	OnFetch func(err error)
}

// Snapshot is a copy of a view's state for rendering.
type Snapshot struct {
	Readings []types.Reading `json:"readings"`
	Alerts   []types.Alert   `json:"alerts"`
	Error    string          `json:"error,omitempty"`
}

// View is the state of one visitor's live dashboard: the latest readings,
// the latest alerts and the fetch error. It only changes between Mount and
// Unmount.
type View struct {
	deps   ViewDeps
	logger *slog.Logger

	mu        sync.Mutex
	mounted   bool
	unmounted bool
	readings  []types.Reading
	alerts    []types.Alert
	errMsg    string
	cancel    context.CancelFunc
	offs      []func()
}

func NewView(deps ViewDeps) *View {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &View{
		deps:     deps,
		logger:   logger,
		readings: []types.Reading{},
		alerts:   []types.Alert{},
	}
}

// Mount subscribes to push events and then performs the initial fetch. It
// returns once the fetch has completed. Calling Mount again, or after
// Unmount, does nothing.
func (v *View) Mount(ctx context.Context) {
	v.mu.Lock()
	if v.mounted || v.unmounted {
		v.mu.Unlock()
		return
	}
	v.mounted = true
	fetchCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()

	offReadings := v.deps.Events.SubscribeReadings(func(r types.Reading) { v.HandleSensorUpdate(r) })
	offAlerts := v.deps.Events.SubscribeAlerts(func(a types.Alert) { v.HandleAlertUpdate(a) })

	v.mu.Lock()
	if !v.mounted {
		// Unmounted while subscribing.
		v.mu.Unlock()
		offReadings()
		offAlerts()
		cancel()
		return
	}
	v.offs = []func(){offReadings, offAlerts}
	v.mu.Unlock()

	readings, err := v.deps.Fetcher.FetchReadings(fetchCtx, v.deps.Token, MaxReadings)
	cancel()
	if v.deps.OnFetch != nil {
		v.deps.OnFetch(err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		v.logger.Debug("discarding sensor-data fetch for unmounted view")
		return
	}
	if err != nil {
		v.logger.Warn("sensor-data fetch failed", "error", err)
		v.errMsg = FetchErrorMessage
		v.readings = []types.Reading{}
		return
	}
	if len(readings) > MaxReadings {
		readings = readings[:MaxReadings]
	}
	v.errMsg = ""
	v.readings = append(make([]types.Reading, 0, len(readings)), readings...)
}

// HandleSensorUpdate prepends r to the reading window. It reports whether
// the view was mounted and therefore changed.
func (v *View) HandleSensorUpdate(r types.Reading) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return false
	}
	v.readings = prepend(r, v.readings, MaxReadings)
	return true
}

// HandleAlertUpdate prepends a to the alert window. An alert whose ID is
// already in the window is a redelivery and is ignored. It reports whether
// the window changed.
func (v *View) HandleAlertUpdate(a types.Alert) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return false
	}
	if slices.ContainsFunc(v.alerts, func(b types.Alert) bool { return b.ID == a.ID }) {
		v.logger.Debug("ignoring redelivered alert", "alert_id", a.ID)
		return false
	}
	v.alerts = prepend(a, v.alerts, MaxAlerts)
	return true
}

// Unmount removes this view's listeners, cancels an in-flight fetch and
// freezes the state. Idempotent.
func (v *View) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.unmounted = true
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.unmounted = true
	offs := v.offs
	v.offs = nil
	cancel := v.cancel
	v.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if cancel != nil {
		cancel()
	}
}

func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		Readings: append(make([]types.Reading, 0, len(v.readings)), v.readings...),
		Alerts:   append(make([]types.Alert, 0, len(v.alerts)), v.alerts...),
		Error:    v.errMsg,
	}
}

// prepend returns a new slice with item first followed by at most limit-1
// elements of list.
func prepend[T any](item T, list []T, limit int) []T {
	out := make([]T, 0, limit)
	out = append(out, item)
	return append(out, list[:min(len(list), limit-1)]...)
}
