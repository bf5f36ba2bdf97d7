// Package usage aggregates polled readings into raw, daily and monthly views.
package usage

import (
	"sort"
	"sync"
	"time"

	"watersmart/internal/clock"
	"watersmart/internal/watersmart"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const dateLayout = "2006-01-02"

// DailyTotal is the usage for one calendar day in the aggregator's timezone.
type DailyTotal struct {
	Date     string    `json:"date"`
	Start    time.Time `json:"start"`
	Gallons  float64   `json:"gallons"`
	Readings int       `json:"readings"`
}

// Summary is a point-in-time snapshot of the aggregates.
type Summary struct {
	Today        float64             `json:"today_gallons"`
	Month        float64             `json:"month_gallons"`
	AverageDaily float64             `json:"average_daily_gallons"`
	Latest       *watersmart.Reading `json:"latest,omitempty"`
	Readings     int                 `json:"readings"`
	Days         int                 `json:"days"`
	At           time.Time           `json:"at"`
}

// Aggregator holds readings ordered by read_datetime. Merging the same
// readings again is a no-op.
type Aggregator struct {
	mu       sync.RWMutex
	readings []watersmart.Reading
	seen     map[int64]struct{}
	loc      *time.Location
	clock    clock.Clock
}

// NewAggregator creates an empty aggregator. Day boundaries use loc.
func NewAggregator(loc *time.Location, clk clock.Clock) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Aggregator{
		seen:  make(map[int64]struct{}),
		loc:   loc,
		clock: clk,
	}
}

// Merge adds readings with a read_datetime not seen before and returns how
// many were added.
func (a *Aggregator) Merge(readings []watersmart.Reading) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for _, r := range readings {
		if _, ok := a.seen[r.ReadDatetime]; ok {
			continue
		}
		a.seen[r.ReadDatetime] = struct{}{}
		a.readings = append(a.readings, r)
		added++
	}

	if added > 0 {
		sort.Slice(a.readings, func(i, j int) bool {
			return a.readings[i].ReadDatetime < a.readings[j].ReadDatetime
		})
	}
	return added
}

// Prune drops readings older than before and returns how many were removed.
func (a *Aggregator) Prune(before time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := before.Unix()
	i := sort.Search(len(a.readings), func(i int) bool {
		return a.readings[i].ReadDatetime >= cutoff
	})
	for _, r := range a.readings[:i] {
		delete(a.seen, r.ReadDatetime)
	}
	a.readings = append([]watersmart.Reading(nil), a.readings[i:]...)
	return i
}

// Len returns the number of readings held.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.readings)
}

// Raw returns readings in [start, end). A zero bound is open.
func (a *Aggregator) Raw(start, end time.Time) []watersmart.Reading {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]watersmart.Reading, 0, len(a.readings))
	for _, r := range a.readings {
		if !start.IsZero() && r.ReadDatetime < start.Unix() {
			continue
		}
		if !end.IsZero() && r.ReadDatetime >= end.Unix() {
			continue
		}
		result = append(result, r)
	}
	return result
}

// Daily returns one total per calendar day that has readings, oldest first.
func (a *Aggregator) Daily() []DailyTotal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dailyLocked()
}

func (a *Aggregator) dailyLocked() []DailyTotal {
	var days []DailyTotal
	for _, r := range a.readings {
		start := a.startOfDay(r.Time())
		if n := len(days); n > 0 && days[n-1].Start.Equal(start) {
			days[n-1].Gallons += r.Value
			days[n-1].Readings++
			continue
		}
		days = append(days, DailyTotal{
			Date:     start.Format(dateLayout),
			Start:    start,
			Gallons:  r.Value,
			Readings: 1,
		})
	}
	return days
}

// DayTotal sums the readings of the calendar day containing t.
func (a *Aggregator) DayTotal(t time.Time) float64 {
	start := a.startOfDay(t)
	return a.sumBetween(start, start.AddDate(0, 0, 1))
}

// Today sums the readings of the current day.
func (a *Aggregator) Today() float64 {
	return a.DayTotal(a.clock.Now())
}

// MonthToDate sums the readings from the first of the current month.
func (a *Aggregator) MonthToDate() float64 {
	start := a.startOfMonth(a.clock.Now())
	return a.sumBetween(start, start.AddDate(0, 1, 0))
}

// Latest returns the most recent reading.
func (a *Aggregator) Latest() (watersmart.Reading, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.readings) == 0 {
		return watersmart.Reading{}, false
	}
	return a.readings[len(a.readings)-1], true
}

// AverageDaily is the mean of the daily totals before today. It is 0 when
// there is no completed day.
func (a *Aggregator) AverageDaily() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.averageDailyLocked(a.startOfDay(a.clock.Now()))
}

func (a *Aggregator) averageDailyLocked(today time.Time) float64 {
	var totals []float64
	for _, d := range a.dailyLocked() {
		if d.Start.Before(today) {
			totals = append(totals, d.Gallons)
		}
	}
	if len(totals) == 0 {
		return 0
	}
	return stat.Mean(totals, nil)
}

// Summary snapshots every aggregate at the current clock time.
func (a *Aggregator) Summary() Summary {
	now := a.clock.Now()
	today := a.startOfDay(now)
	month := a.startOfMonth(now)

	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Summary{
		Today:        a.sumLocked(today, today.AddDate(0, 0, 1)),
		Month:        a.sumLocked(month, month.AddDate(0, 1, 0)),
		AverageDaily: a.averageDailyLocked(today),
		Readings:     len(a.readings),
		Days:         len(a.dailyLocked()),
		At:           now,
	}
	if n := len(a.readings); n > 0 {
		latest := a.readings[n-1]
		s.Latest = &latest
	}
	return s
}

func (a *Aggregator) sumBetween(start, end time.Time) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sumLocked(start, end)
}

func (a *Aggregator) sumLocked(start, end time.Time) float64 {
	lo, hi := start.Unix(), end.Unix()
	var values []float64
	for _, r := range a.readings {
		if r.ReadDatetime >= lo && r.ReadDatetime < hi {
			values = append(values, r.Value)
		}
	}
	return floats.Sum(values)
}

func (a *Aggregator) startOfDay(t time.Time) time.Time {
	t = t.In(a.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.loc)
}

func (a *Aggregator) startOfMonth(t time.Time) time.Time {
	t = t.In(a.loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, a.loc)
}
