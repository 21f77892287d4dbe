package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"forestwatch-server/internal/modules/monitoring/types"
)

// fakeEvents is an in-memory EventSource.
type fakeEvents struct {
	mu       sync.Mutex
	nextID   int
	readings map[int]func(types.Reading)
	alerts   map[int]func(types.Alert)
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{readings: map[int]func(types.Reading){}, alerts: map[int]func(types.Alert){}}
}

func (f *fakeEvents) SubscribeReadings(fn func(types.Reading)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.readings[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.readings, id)
	}
}

func (f *fakeEvents) SubscribeAlerts(fn func(types.Alert)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.alerts[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.alerts, id)
	}
}

func (f *fakeEvents) emitReading(r types.Reading) {
	f.mu.Lock()
	fns := make([]func(types.Reading), 0, len(f.readings))
	for _, fn := range f.readings {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

func (f *fakeEvents) emitAlert(a types.Alert) {
	f.mu.Lock()
	fns := make([]func(types.Alert), 0, len(f.alerts))
	for _, fn := range f.alerts {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}

func (f *fakeEvents) listeners() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings), len(f.alerts)
}

// fakeFetcher returns canned readings or an error.
type fakeFetcher struct {
	mu       sync.Mutex
	readings []types.Reading
	err      error
	calls    int
	gotToken string
	gotLimit int
}

func (f *fakeFetcher) FetchReadings(_ context.Context, token string, limit int) ([]types.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotToken = token
	f.gotLimit = limit
	return f.readings, f.err
}

// blockingFetcher waits for ctx cancellation or release.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	result  []types.Reading
}

func (f *blockingFetcher) FetchReadings(ctx context.Context, _ string, _ int) ([]types.Reading, error) {
	close(f.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
		return f.result, nil
	}
}

func reading(seq int) types.Reading {
	return types.Reading{
		Raw:    []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
		Values: map[string]float64{"seq": float64(seq)},
	}
}

func alert(seq int) types.Alert {
	return types.Alert{
		ID:        fmt.Sprintf("a%d", seq),
		Severity:  "High",
		Location:  "Ridge",
		Message:   "Smoke",
		Timestamp: time.Date(2025, 6, 1, 12, seq, 0, 0, time.UTC),
	}
}

func seqs(readings []types.Reading) []int {
	out := make([]int, len(readings))
	for i, r := range readings {
		out[i] = int(r.Values["seq"])
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestView_Mount(t *testing.T) {
	t.Run("successful fetch keeps first readings in response order", func(t *testing.T) {
		var fetched []types.Reading
		for i := range 14 {
			fetched = append(fetched, reading(i))
		}
		fetcher := &fakeFetcher{readings: fetched}
		v := NewView(ViewDeps{Token: "tok", Events: newFakeEvents(), Fetcher: fetcher})

		v.Mount(context.Background())

		snap := v.Snapshot()
		if want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}; !equalInts(seqs(snap.Readings), want) {
			t.Errorf("readings = %v; want %v", seqs(snap.Readings), want)
		}
		if snap.Error != "" {
			t.Errorf("Error = %q; want empty", snap.Error)
		}
		if fetcher.gotToken != "tok" || fetcher.gotLimit != MaxReadings {
			t.Errorf("fetch token/limit = %q/%d; want tok/%d", fetcher.gotToken, fetcher.gotLimit, MaxReadings)
		}
	})

	t.Run("failed fetch shows message and clears readings", func(t *testing.T) {
		events := newFakeEvents()
		fetcher := &fakeFetcher{err: errors.New("status 500")}
		v := NewView(ViewDeps{Token: "tok", Events: events, Fetcher: fetcher})

		v.Mount(context.Background())

		snap := v.Snapshot()
		if snap.Error != FetchErrorMessage {
			t.Errorf("Error = %q; want %q", snap.Error, FetchErrorMessage)
		}
		if len(snap.Readings) != 0 {
			t.Errorf("len(Readings) = %d; want 0", len(snap.Readings))
		}

		// The feed stays live after a failed fetch.
		events.emitReading(reading(1))
		if got := len(v.Snapshot().Readings); got != 1 {
			t.Errorf("len(Readings) after event = %d; want 1", got)
		}
	})

	t.Run("reports fetch result once", func(t *testing.T) {
		var results []error
		fetchErr := errors.New("down")
		v := NewView(ViewDeps{
			Events:  newFakeEvents(),
			Fetcher: &fakeFetcher{err: fetchErr},
			OnFetch: func(err error) { results = append(results, err) },
		})

		v.Mount(context.Background())
		v.Mount(context.Background())

		if len(results) != 1 || !errors.Is(results[0], fetchErr) {
			t.Errorf("OnFetch results = %v; want [down]", results)
		}
	})

	t.Run("mount is idempotent", func(t *testing.T) {
		events := newFakeEvents()
		fetcher := &fakeFetcher{}
		v := NewView(ViewDeps{Events: events, Fetcher: fetcher})

		v.Mount(context.Background())
		v.Mount(context.Background())

		if fetcher.calls != 1 {
			t.Errorf("fetch calls = %d; want 1", fetcher.calls)
		}
		if r, a := events.listeners(); r != 1 || a != 1 {
			t.Errorf("listeners = %d/%d; want 1/1", r, a)
		}
	})
}

func TestView_rollingWindows(t *testing.T) {
	t.Run("keeps most recent readings first", func(t *testing.T) {
		events := newFakeEvents()
		v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		v.Mount(context.Background())

		for i := range 13 {
			events.emitReading(reading(i))
		}

		want := []int{12, 11, 10, 9, 8, 7, 6, 5, 4, 3}
		if got := seqs(v.Snapshot().Readings); !equalInts(got, want) {
			t.Errorf("readings = %v; want %v", got, want)
		}
	})

	t.Run("events prepend to fetched readings", func(t *testing.T) {
		events := newFakeEvents()
		v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{readings: []types.Reading{reading(1), reading(0)}}})
		v.Mount(context.Background())

		events.emitReading(reading(2))

		if got, want := seqs(v.Snapshot().Readings), []int{2, 1, 0}; !equalInts(got, want) {
			t.Errorf("readings = %v; want %v", got, want)
		}
	})

	t.Run("keeps most recent alerts first", func(t *testing.T) {
		events := newFakeEvents()
		v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		v.Mount(context.Background())

		for i := range 8 {
			events.emitAlert(alert(i))
		}

		alerts := v.Snapshot().Alerts
		want := []string{"a7", "a6", "a5", "a4", "a3"}
		if len(alerts) != len(want) {
			t.Fatalf("len(alerts) = %d; want %d", len(alerts), len(want))
		}
		for i, a := range alerts {
			if a.ID != want[i] {
				t.Errorf("alerts[%d].ID = %q; want %q", i, a.ID, want[i])
			}
		}
	})

	t.Run("redelivered alert is not repeated", func(t *testing.T) {
		events := newFakeEvents()
		v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		v.Mount(context.Background())

		events.emitAlert(alert(1))
		events.emitAlert(alert(2))
		if v.HandleAlertUpdate(alert(1)) {
			t.Error("HandleAlertUpdate(redelivered) = true; want false")
		}

		alerts := v.Snapshot().Alerts
		if len(alerts) != 2 || alerts[0].ID != "a2" || alerts[1].ID != "a1" {
			t.Errorf("alerts = %+v; want a2, a1", alerts)
		}
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		events := newFakeEvents()
		v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		v.Mount(context.Background())
		events.emitAlert(alert(1))

		snap := v.Snapshot()
		snap.Alerts[0].ID = "changed"

		if got := v.Snapshot().Alerts[0].ID; got != "a1" {
			t.Errorf("alert ID = %q; want a1", got)
		}
	})
}

func TestView_Unmount(t *testing.T) {
	t.Run("stops updates and removes listeners", func(t *testing.T) {
		events := newFakeEvents()
		v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		v.Mount(context.Background())
		events.emitReading(reading(1))
		events.emitAlert(alert(1))

		v.Unmount()
		v.Unmount()

		if r, a := events.listeners(); r != 0 || a != 0 {
			t.Errorf("listeners after unmount = %d/%d; want 0/0", r, a)
		}
		if v.HandleSensorUpdate(reading(2)) {
			t.Error("HandleSensorUpdate after unmount reported a change")
		}
		if v.HandleAlertUpdate(alert(2)) {
			t.Error("HandleAlertUpdate after unmount reported a change")
		}
		snap := v.Snapshot()
		if got := seqs(snap.Readings); !equalInts(got, []int{1}) {
			t.Errorf("readings = %v; want [1]", got)
		}
		if len(snap.Alerts) != 1 {
			t.Errorf("len(alerts) = %d; want 1", len(snap.Alerts))
		}
	})

	t.Run("other views keep receiving", func(t *testing.T) {
		events := newFakeEvents()
		a := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		b := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
		a.Mount(context.Background())
		b.Mount(context.Background())

		a.Unmount()
		events.emitReading(reading(7))

		if len(a.Snapshot().Readings) != 0 {
			t.Error("unmounted view received a reading")
		}
		if got := seqs(b.Snapshot().Readings); !equalInts(got, []int{7}) {
			t.Errorf("mounted view readings = %v; want [7]", got)
		}
	})

	t.Run("cancels in-flight fetch and discards its result", func(t *testing.T) {
		events := newFakeEvents()
		fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
		v := NewView(ViewDeps{Events: events, Fetcher: fetcher})

		done := make(chan struct{})
		go func() {
			v.Mount(context.Background())
			close(done)
		}()

		<-fetcher.started
		v.Unmount()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Mount did not return after Unmount")
		}

		snap := v.Snapshot()
		if snap.Error != "" {
			t.Errorf("Error = %q; want empty for a discarded fetch", snap.Error)
		}
		if r, a := events.listeners(); r != 0 || a != 0 {
			t.Errorf("listeners = %d/%d; want 0/0", r, a)
		}
	})

	t.Run("mount after unmount does nothing", func(t *testing.T) {
		events := newFakeEvents()
		fetcher := &fakeFetcher{}
		v := NewView(ViewDeps{Events: events, Fetcher: fetcher})

		v.Unmount()
		v.Mount(context.Background())

		if fetcher.calls != 0 {
			t.Errorf("fetch calls = %d; want 0", fetcher.calls)
		}
		if v.Mounted() {
			t.Error("Mounted() = true; want false")
		}
	})
}

func TestView_concurrentEvents(t *testing.T) {
	events := newFakeEvents()
	v := NewView(ViewDeps{Events: events, Fetcher: &fakeFetcher{}})
	v.Mount(context.Background())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events.emitReading(reading(i))
			events.emitAlert(alert(i % 60))
			_ = v.Snapshot()
		}()
	}
	wg.Wait()

	snap := v.Snapshot()
	if len(snap.Readings) != MaxReadings {
		t.Errorf("len(Readings) = %d; want %d", len(snap.Readings), MaxReadings)
	}
	if len(snap.Alerts) != MaxAlerts {
		t.Errorf("len(Alerts) = %d; want %d", len(snap.Alerts), MaxAlerts)
	}
}
