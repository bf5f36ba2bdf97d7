package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"go.uber.org/zap"
)

const (
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultTopicPrefix        = "watersmart"
	DefaultMaxReadingEntities = 24

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// SinkConfig configures topic layout and how many reading sensors are kept.
type SinkConfig struct {
	DiscoveryPrefix    string
	TopicPrefix        string
	MaxReadingEntities int
	QoS                byte
}

func (c *SinkConfig) setDefaults() {
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.MaxReadingEntities <= 0 {
		c.MaxReadingEntities = DefaultMaxReadingEntities
	}
}

// AvailabilityTopic is where the sink publishes online/offline.
func (c SinkConfig) AvailabilityTopic() string {
	return c.TopicPrefix + "/status"
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// discoveryConfig is the payload of a sensor config topic.
type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	ObjectID          string `json:"object_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	Icon              string `json:"icon,omitempty"`
	Device            device `json:"device"`
}

type aggregateSensor struct {
	id          string
	name        string
	deviceClass string
	stateClass  string
	value       func(usage.Summary) (float64, bool)
}

var aggregateSensors = []aggregateSensor{
	{
		id: "watersmart_today", name: "Water Usage Today",
		deviceClass: "water", stateClass: "total_increasing",
		value: func(s usage.Summary) (float64, bool) { return s.Today, true },
	},
	{
		id: "watersmart_month", name: "Water Usage This Month",
		deviceClass: "water", stateClass: "total_increasing",
		value: func(s usage.Summary) (float64, bool) { return s.Month, true },
	},
	{
		id: "watersmart_latest", name: "Water Usage Latest Reading",
		stateClass: "measurement",
		value: func(s usage.Summary) (float64, bool) {
			if s.Latest == nil {
				return 0, false
			}
			return s.Latest.Value, true
		},
	},
	{
		id: "watersmart_average_daily", name: "Water Usage Daily Average",
		stateClass: "measurement",
		value: func(s usage.Summary) (float64, bool) { return s.AverageDaily, true },
	},
}

// Sink publishes discovery configs and states after every poll. Configs are
// retained and each reading is announced once per process. Only the newest
// MaxReadingEntities readings keep a sensor; older ones are removed by
// publishing an empty retained config.
type Sink struct {
	pub    Publisher
	cfg    SinkConfig
	logger *zap.Logger

	mu                  sync.Mutex
	aggregatesAnnounced bool
	// announced holds the read_datetime of every live reading sensor, oldest first.
	announced []int64
}

// NewSink creates a discovery sink on top of pub.
func NewSink(pub Publisher, cfg SinkConfig, logger *zap.Logger) *Sink {
	cfg.setDefaults()
	return &Sink{pub: pub, cfg: cfg, logger: logger.Named("mqtt_sink")}
}

func (s *Sink) device() device {
	return device{
		Identifiers:  []string{s.cfg.TopicPrefix},
		Name:         "WaterSmart",
		Manufacturer: "WaterSmart",
		Model:        "Water meter",
	}
}

func (s *Sink) configTopic(objectID string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", s.cfg.DiscoveryPrefix, s.cfg.TopicPrefix, objectID)
}

func (s *Sink) stateTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/state", s.cfg.TopicPrefix, objectID)
}

func (s *Sink) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.pub.Publish(topic, payload, s.cfg.QoS, true)
}

func (s *Sink) publishValue(objectID string, value float64) error {
	return s.pub.Publish(s.stateTopic(objectID), []byte(strconv.FormatFloat(value, 'f', -1, 64)), s.cfg.QoS, true)
}

// Publish announces new sensors and updates every state.
func (s *Sink) Publish(ctx context.Context, summary usage.Summary, readings []watersmart.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.pub.Publish(s.cfg.AvailabilityTopic(), []byte(availabilityOnline), s.cfg.QoS, true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	if !s.aggregatesAnnounced {
		announced := true
		for _, sensor := range aggregateSensors {
			cfg := discoveryConfig{
				Name:              sensor.name,
				UniqueID:          sensor.id,
				ObjectID:          sensor.id,
				StateTopic:        s.stateTopic(sensor.id),
				AvailabilityTopic: s.cfg.AvailabilityTopic(),
				UnitOfMeasurement: "gal",
				DeviceClass:       sensor.deviceClass,
				StateClass:        sensor.stateClass,
				Icon:              "mdi:water",
				Device:            s.device(),
			}
			if err := s.publishJSON(s.configTopic(sensor.id), cfg); err != nil {
				errs = append(errs, fmt.Errorf("announce %s: %w", sensor.id, err))
				announced = false
			}
		}
		s.aggregatesAnnounced = announced
	}

	for _, sensor := range aggregateSensors {
		value, ok := sensor.value(summary)
		if !ok {
			continue
		}
		if err := s.publishValue(sensor.id, value); err != nil {
			errs = append(errs, fmt.Errorf("state %s: %w", sensor.id, err))
		}
	}

	if err := ctx.Err(); err != nil {
		return errors.Join(append(errs, err)...)
	}
	errs = append(errs, s.publishReadings(ctx, readings)...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// publishReadings keeps one sensor per reading for the newest readings.
func (s *Sink) publishReadings(ctx context.Context, readings []watersmart.Reading) []error {
	newest := append([]watersmart.Reading(nil), readings...)
	sort.Slice(newest, func(i, j int) bool { return newest[i].ReadDatetime > newest[j].ReadDatetime })
	if len(newest) > s.cfg.MaxReadingEntities {
		newest = newest[:s.cfg.MaxReadingEntities]
	}

	live := make(map[int64]bool, len(s.announced))
	for _, ts := range s.announced {
		live[ts] = true
	}

	var errs []error
	added := 0
	// Oldest first so that announced stays sorted.
	for i := len(newest) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return append(errs, ctx.Err())
		}
		r := newest[i]
		if live[r.ReadDatetime] {
			continue
		}
		if err := s.announceReading(r); err != nil {
			errs = append(errs, fmt.Errorf("announce %s: %w", r.UniqueID(), err))
			continue
		}
		live[r.ReadDatetime] = true
		s.announced = append(s.announced, r.ReadDatetime)
		added++
	}

	sort.Slice(s.announced, func(i, j int) bool { return s.announced[i] < s.announced[j] })
	for len(s.announced) > s.cfg.MaxReadingEntities {
		oldest := s.announced[0]
		objectID := watersmart.NewReading(oldest, 0).UniqueID()
		if err := s.pub.Publish(s.configTopic(objectID), nil, s.cfg.QoS, true); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", objectID, err))
			break
		}
		s.announced = s.announced[1:]
	}

	if added > 0 {
		s.logger.Debug("Announced reading sensors",
			zap.Int("added", added),
			zap.Int("live", len(s.announced)))
	}
	return errs
}

func (s *Sink) announceReading(r watersmart.Reading) error {
	objectID := r.UniqueID()
	cfg := discoveryConfig{
		Name:              r.Name,
		UniqueID:          objectID,
		ObjectID:          objectID,
		StateTopic:        s.stateTopic(objectID),
		AvailabilityTopic: s.cfg.AvailabilityTopic(),
		UnitOfMeasurement: r.Unit,
		Icon:              "mdi:water",
		Device:            s.device(),
	}
	if err := s.publishJSON(s.configTopic(objectID), cfg); err != nil {
		return err
	}
	return s.publishValue(objectID, r.Value)
}

// PublishFailure marks the sensors unavailable.
func (s *Sink) PublishFailure(ctx context.Context, err error) error {
	return s.pub.Publish(s.cfg.AvailabilityTopic(), []byte(availabilityOffline), s.cfg.QoS, true)
}

// Announced returns the read_datetime of every live reading sensor, oldest first.
func (s *Sink) Announced() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.announced...)
}
