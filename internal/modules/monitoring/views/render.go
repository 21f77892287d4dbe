package views

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"time"

	"forestwatch-server/internal/modules/monitoring/live"
	"forestwatch-server/internal/modules/monitoring/types"
)

// AlertTimeLayout is how alert timestamps are shown on cards.
const AlertTimeLayout = "Jan 2, 2006, 3:04:05 PM"

var liveTmpl *template.Template

// loadTemplatesFromFS loads the live page templates from the given fs and dir.
// Used by LoadTemplates and by tests to simulate failure scenarios.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	liveTmpl, err = template.ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	return nil
}

// LoadTemplates loads embedded templates. Call during startup before
// serving requests; if it returns an error, do not start the server.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

// AlertCard is the view model for one alert in the "Latest Alerts" grid.
type AlertCard struct {
	ID       string
	Severity string
	Location string
	Message  string
	Time     string
}

// FeedData is the view model for the part of the page that changes while a
// view is mounted: the error banner, the chart and the alerts.
type FeedData struct {
	ViewID string
	Error  string
	// SeriesJSON is the reading window encoded for the chart script.
	SeriesJSON string
	Readings   int
	Alerts     []AlertCard
}

type LiveData struct {
	ViewID         string
	RefreshSeconds int
	Feed           *FeedData
}

// NewFeedData builds the feed view model from a snapshot, formatting alert
// times in loc.
func NewFeedData(viewID string, snap live.Snapshot, loc *time.Location) (*FeedData, error) {
	if loc == nil {
		loc = time.Local
	}
	readings := snap.Readings
	if readings == nil {
		readings = []types.Reading{}
	}
	series, err := json.Marshal(readings)
	if err != nil {
		return nil, fmt.Errorf("encode reading series: %w", err)
	}
	cards := make([]AlertCard, 0, len(snap.Alerts))
	for _, a := range snap.Alerts {
		cards = append(cards, AlertCard{
			ID:       a.ID,
			Severity: a.Severity,
			Location: a.Location,
			Message:  a.Message,
			Time:     a.Timestamp.In(loc).Format(AlertTimeLayout),
		})
	}
	return &FeedData{
		ViewID:     viewID,
		Error:      snap.Error,
		SeriesJSON: string(series),
		Readings:   len(readings),
		Alerts:     cards,
	}, nil
}

// RefreshSeconds converts a poll interval to whole seconds for hx-trigger,
// never less than one.
func RefreshSeconds(d time.Duration) int {
	return max(int(d/time.Second), 1)
}

func RenderLive(w io.Writer, data *LiveData) error {
	if liveTmpl == nil {
		return errors.New("live template not loaded: call views.LoadTemplates during startup")
	}
	return liveTmpl.ExecuteTemplate(w, "live.html", data)
}

// RenderLivePartial executes only the feed partial into w.
// Use for HTMX fragment refresh.
func RenderLivePartial(w io.Writer, data *FeedData) error {
	if liveTmpl == nil {
		return errors.New("live template not loaded: call views.LoadTemplates during startup")
	}
	return liveTmpl.ExecuteTemplate(w, "partials/feed.html", data)
}
