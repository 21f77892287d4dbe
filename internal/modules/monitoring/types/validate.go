package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrValidation = errors.New("validation failed")

// MaxPayloadBytes bounds a single reading or alert payload.
const MaxPayloadBytes = 64 << 10

// ParseReading validates one pushed reading payload. It must be a JSON object
// no larger than MaxPayloadBytes; its members are not checked further.
func ParseReading(payload []byte) (Reading, error) {
	if _, err := decodeObject(payload); err != nil {
		return Reading{}, err
	}
	return DecodeReading(payload), nil
}

// DecodeReading keeps raw as the reading record and extracts what it can: a
// timestamp (RFC 3339, zone-less date and time, or epoch milliseconds) and the
// finite numeric members. Anything it cannot read is left out, never rejected.
func DecodeReading(raw []byte) Reading {
	r := Reading{
		Raw:    json.RawMessage(bytes.TrimSpace(raw)),
		Values: make(map[string]float64),
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(r.Raw, &obj) != nil {
		return r
	}
	for key, member := range obj {
		if key == "timestamp" {
			if ts, err := parseTimestamp(member, readingTimeLayouts...); err == nil {
				r.Time = ts
			}
			continue
		}
		member = bytes.TrimSpace(member)
		if len(member) == 0 || member[0] == '"' {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(member, &n); err != nil {
			continue
		}
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			continue
		}
		r.Values[key] = f
	}
	return r
}

// ParseAlert validates one alert payload. "_id", "severity" and "timestamp"
// are required; "location" and "message" must be strings when present.
func ParseAlert(payload []byte) (Alert, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return Alert{}, err
	}

	var a Alert
	if a.ID, err = stringField(obj, "_id", true); err != nil {
		return Alert{}, err
	}
	if a.Severity, err = stringField(obj, "severity", true); err != nil {
		return Alert{}, err
	}
	if a.Location, err = stringField(obj, "location", false); err != nil {
		return Alert{}, err
	}
	if a.Message, err = stringField(obj, "message", false); err != nil {
		return Alert{}, err
	}

	raw, ok := obj["timestamp"]
	if !ok || isNull(raw) {
		return Alert{}, fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	if a.Timestamp, err = parseTimestamp(raw); err != nil {
		return Alert{}, fmt.Errorf("%w: timestamp: %v", ErrValidation, err)
	}
	return a, nil
}

// ParseReadingList decodes a sensor-data response body into its first limit
// elements in response order. A body that is not a JSON array yields no
// readings. Elements are kept whatever their shape; see DecodeReading.
func ParseReadingList(body []byte, limit int) ([]Reading, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrValidation)
	}
	if len(body) == 0 || body[0] != '[' {
		return []Reading{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	items = items[:min(len(items), max(limit, 0))]
	readings := make([]Reading, 0, len(items))
	for _, item := range items {
		readings = append(readings, DecodeReading(item))
	}
	return readings, nil
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrValidation, MaxPayloadBytes)
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return obj, nil
}

func stringField(obj map[string]json.RawMessage, key string, required bool) (string, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrValidation, key)
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrValidation, key)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s must not be empty", ErrValidation, key)
	}
	return s, nil
}

// Readings also come from sources that omit the zone; those are read as UTC.
var readingTimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// maxEpochMillis keeps epoch milliseconds within what time.Time represents
// as nanoseconds.
const maxEpochMillis = math.MaxInt64 / 1e6

// parseTimestamp accepts RFC 3339 strings (with or without fractional
// seconds), strings in any of the extra layouts, and epoch milliseconds.
func parseTimestamp(raw json.RawMessage, layouts ...string) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		for _, layout := range append([]string{time.RFC3339Nano}, layouts...) {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("expected RFC3339, got %q", s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, errors.New("expected string or number")
	}
	ms, err := n.Float64()
	if err != nil || math.IsInf(ms, 0) || math.IsNaN(ms) {
		return time.Time{}, fmt.Errorf("expected epoch milliseconds, got %s", n)
	}
	if ms > maxEpochMillis || ms < -maxEpochMillis {
		return time.Time{}, fmt.Errorf("epoch milliseconds out of range: %s", n)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
