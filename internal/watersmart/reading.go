package watersmart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Unit is the unit of every reading the portal reports.
const Unit = "gallons"

const timestampLayout = "2006-01-02 15:04:05"

// RawPoint is one entry of the chart endpoint's data.series list.
// Gallons is nil when the portal sent null for a slot it has no data for yet.
type RawPoint struct {
	ReadDatetime int64
	Gallons      *float64
}

// UnmarshalJSON requires both read_datetime and gallons to be present.
func (p *RawPoint) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	rawTS, ok := fields["read_datetime"]
	if !ok {
		return fmt.Errorf("missing key %q", "read_datetime")
	}
	rawGallons, ok := fields["gallons"]
	if !ok {
		return fmt.Errorf("missing key %q", "gallons")
	}

	ts, err := decodeNumber(rawTS)
	if err != nil {
		return fmt.Errorf("read_datetime: %w", err)
	}
	if ts == nil {
		return fmt.Errorf("read_datetime is null")
	}
	p.ReadDatetime = int64(math.Round(*ts))

	gallons, err := decodeNumber(rawGallons)
	if err != nil {
		return fmt.Errorf("gallons: %w", err)
	}
	p.Gallons = gallons
	return nil
}

// decodeNumber accepts a JSON number, a numeric string or null.
func decodeNumber(raw json.RawMessage) (*float64, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Reading is a normalized meter data point.
type Reading struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Unit         string  `json:"unit"`
	ReadDatetime int64   `json:"read_datetime"`
}

// NewReading builds a Reading for the given timestamp and volume.
func NewReading(readDatetime int64, gallons float64) Reading {
	return Reading{
		Name:         "Water Usage " + formatTimestamp(readDatetime),
		Value:        gallons,
		Unit:         Unit,
		ReadDatetime: readDatetime,
	}
}

// Time returns the reading timestamp in UTC.
func (r Reading) Time() time.Time {
	return time.Unix(r.ReadDatetime, 0).UTC()
}

// UniqueID is stable for a given read_datetime.
func (r Reading) UniqueID() string {
	return fmt.Sprintf("watersmart_%d", r.ReadDatetime)
}

// LocalDatetime renders the timestamp as "YYYY-MM-DD HH:MM:SS" in UTC.
func (r Reading) LocalDatetime() string {
	return formatTimestamp(r.ReadDatetime)
}

func formatTimestamp(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(timestampLayout)
}

// toReadings maps raw points to readings, skipping slots without a volume.
func toReadings(series []RawPoint) []Reading {
	result := make([]Reading, 0, len(series))
	for _, p := range series {
		if p.Gallons == nil {
			continue
		}
		result = append(result, NewReading(p.ReadDatetime, *p.Gallons))
	}
	return result
}
