package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"watersmart/internal/usage"
	"watersmart/internal/watersmart"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type message struct {
	topic    string
	payload  string
	retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	failOn   string
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != "" && strings.Contains(topic, p.failOn) {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, message{topic: topic, payload: string(payload), retained: retained})
	return nil
}

// last returns the most recent payload per topic.
func (p *fakePublisher) last() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]string)
	for _, m := range p.messages {
		result[m.topic] = m.payload
	}
	return result
}

func (p *fakePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

func series(start int64, n int) []watersmart.Reading {
	readings := make([]watersmart.Reading, n)
	for i := range readings {
		readings[i] = watersmart.NewReading(start+int64(i)*3600, float64(i)+0.5)
	}
	return readings
}

func summaryFor(readings []watersmart.Reading) usage.Summary {
	s := usage.Summary{Today: 12.5, Month: 80, AverageDaily: 10}
	if len(readings) > 0 {
		latest := readings[len(readings)-1]
		s.Latest = &latest
	}
	return s
}

func TestSink_AnnouncesAggregates(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, SinkConfig{}, zap.NewNop())

	readings := series(1700000000, 2)
	require.NoError(t, sink.Publish(context.Background(), summaryFor(readings), readings))

	last := pub.last()
	assert.Equal(t, "online", last["watersmart/status"])

	var cfg discoveryConfig
	require.NoError(t, json.Unmarshal([]byte(last["homeassistant/sensor/watersmart/watersmart_today/config"]), &cfg))
	assert.Equal(t, "watersmart_today", cfg.UniqueID)
	assert.Equal(t, "gal", cfg.UnitOfMeasurement)
	assert.Equal(t, "water", cfg.DeviceClass)
	assert.Equal(t, "total_increasing", cfg.StateClass)
	assert.Equal(t, "watersmart/watersmart_today/state", cfg.StateTopic)
	assert.Equal(t, "watersmart/status", cfg.AvailabilityTopic)

	assert.Equal(t, "12.5", last["watersmart/watersmart_today/state"])
	assert.Equal(t, "80", last["watersmart/watersmart_month/state"])
	assert.Equal(t, "1.5", last["watersmart/watersmart_latest/state"])
	assert.Equal(t, "10", last["watersmart/watersmart_average_daily/state"])

	for _, m := range pub.messages {
		assert.True(t, m.retained, m.topic)
	}

	// Configs are only sent once; states every time.
	require.NoError(t, sink.Publish(context.Background(), summaryFor(readings), readings))
	assert.Equal(t, 1, pub.count("homeassistant/sensor/watersmart/watersmart_today/config"))
	assert.Equal(t, 2, pub.count("watersmart/watersmart_today/state"))
}

func TestSink_ReadingSensors(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, SinkConfig{}, zap.NewNop())

	readings := series(1700000000, 1)
	require.NoError(t, sink.Publish(context.Background(), summaryFor(readings), readings))

	last := pub.last()
	var cfg discoveryConfig
	require.NoError(t, json.Unmarshal([]byte(last["homeassistant/sensor/watersmart/watersmart_1700000000/config"]), &cfg))
	assert.Equal(t, "Water Usage 2023-11-14 22:13:20", cfg.Name)
	assert.Equal(t, "watersmart_1700000000", cfg.UniqueID)
	assert.Equal(t, "gallons", cfg.UnitOfMeasurement)
	assert.Empty(t, cfg.DeviceClass)
	assert.Equal(t, "0.5", last["watersmart/watersmart_1700000000/state"])

	// The same reading is announced once.
	require.NoError(t, sink.Publish(context.Background(), summaryFor(readings), readings))
	assert.Equal(t, 1, pub.count("homeassistant/sensor/watersmart/watersmart_1700000000/config"))
	assert.Equal(t, []int64{1700000000}, sink.Announced())
}

func TestSink_CapsReadingSensors(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, SinkConfig{MaxReadingEntities: 3}, zap.NewNop())

	first := series(1700000000, 5)
	require.NoError(t, sink.Publish(context.Background(), summaryFor(first), first))
	assert.Equal(t, []int64{1700007200, 1700010800, 1700014400}, sink.Announced())
	assert.Zero(t, pub.count("homeassistant/sensor/watersmart/watersmart_1700000000/config"))

	// Two newer readings evict the two oldest sensors.
	second := series(1700000000, 7)
	require.NoError(t, sink.Publish(context.Background(), summaryFor(second), second))
	assert.Equal(t, []int64{1700014400, 1700018000, 1700021600}, sink.Announced())

	last := pub.last()
	removed, ok := last["homeassistant/sensor/watersmart/watersmart_1700007200/config"]
	assert.True(t, ok)
	assert.Empty(t, removed, "evicted sensor config is cleared")
	assert.NotEmpty(t, last["homeassistant/sensor/watersmart/watersmart_1700014400/config"])
}

func TestSink_PublishFailure(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, SinkConfig{TopicPrefix: "water"}, zap.NewNop())

	require.NoError(t, sink.PublishFailure(context.Background(), errors.New("portal down")))
	assert.Equal(t, "offline", pub.last()["water/status"])
}

func TestSink_RetriesAnnouncementAfterError(t *testing.T) {
	pub := &fakePublisher{failOn: "watersmart_month/config"}
	sink := NewSink(pub, SinkConfig{}, zap.NewNop())

	err := sink.Publish(context.Background(), usage.Summary{}, nil)
	require.Error(t, err)

	pub.failOn = ""
	require.NoError(t, sink.Publish(context.Background(), usage.Summary{}, nil))
	assert.Equal(t, 1, pub.count("homeassistant/sensor/watersmart/watersmart_month/config"))
	assert.Equal(t, 2, pub.count("homeassistant/sensor/watersmart/watersmart_today/config"))
}

func TestSink_CanceledContext(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, SinkConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	readings := series(1700000000, 3)
	err := sink.Publish(ctx, summaryFor(readings), readings)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.Announced())
}
