package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"watersmart/internal/api"
	"watersmart/internal/clock"
	"watersmart/internal/state"
	"watersmart/internal/usage"
	"watersmart/internal/watersmart"
	"watersmart/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	todayEntity      = "input_number.watersmart_today_gallons"
	monthEntity      = "input_number.watersmart_month_gallons"
	latestEntity     = "input_number.watersmart_latest_gallons"
	averageEntity    = "input_number.watersmart_average_daily_gallons"
	lastReadEntity   = "input_text.watersmart_last_read"
	pollStatusEntity = "input_text.watersmart_poll_status"
)

func at(day, hour int) int64 {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC).Unix()
}

// seedPortal loads two evening readings on the 14th, two readings on the
// 15th and a 10:00 reading that has not been measured yet.
func seedPortal(env *testutil.TestEnv) {
	env.Portal.AddReadings(
		watersmart.NewReading(at(14, 22), 4),
		watersmart.NewReading(at(14, 23), 2),
		watersmart.NewReading(at(15, 0), 1.25),
		watersmart.NewReading(at(15, 9), 2.5),
	)
	env.Portal.AddPending(at(15, 10))
}

func get(t *testing.T, env *testutil.TestEnv, target string, v interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	env.API.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if v != nil {
		require.NoError(t, json.NewDecoder(w.Body).Decode(v))
	}
	return w.Code
}

func TestPollMirrorsUsageToHomeAssistant(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	seedPortal(env)

	require.NoError(t, env.Poll())

	assert.Equal(t, "3.75", env.EntityState(todayEntity))
	assert.Equal(t, "9.75", env.EntityState(monthEntity))
	assert.Equal(t, "2.50", env.EntityState(latestEntity))
	assert.Equal(t, "6.00", env.EntityState(averageEntity))
	assert.Equal(t, "2024-03-15 09:00:00", env.EntityState(lastReadEntity))
	assert.Equal(t, state.PollStatusOK, env.EntityState(pollStatusEntity))

	calls := testutil.FilterServiceCalls(env.HA.GetServiceCalls(), "input_number", "set_value")
	assert.Len(t, calls, 4)
	call := testutil.FindServiceCallWithEntityID(calls, "input_number", "set_value", todayEntity)
	require.NotNil(t, call)
	assert.Equal(t, 3.75, call.ServiceData["value"])

	today, err := env.State.GetNumber(state.KeyTodayGallons)
	require.NoError(t, err)
	assert.Equal(t, 3.75, today)
}

func TestUnchangedValuesAreNotRewritten(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	seedPortal(env)

	require.NoError(t, env.Poll())
	env.HA.ClearServiceCalls()

	require.NoError(t, env.Poll())
	assert.Empty(t, env.HA.GetServiceCalls())

	env.Portal.AddReadings(watersmart.NewReading(at(15, 10), 0.5))
	require.NoError(t, env.Poll())

	calls := env.HA.GetServiceCalls()
	assert.NotNil(t, testutil.FindServiceCallWithEntityID(calls, "input_number", "set_value", todayEntity))
	assert.Nil(t, testutil.FindServiceCallWithEntityID(calls, "input_number", "set_value", averageEntity))
	assert.Equal(t, "4.25", env.EntityState(todayEntity))
}

func TestAPIServesAggregate(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	seedPortal(env)
	require.NoError(t, env.Poll())

	var summary usage.Summary
	require.Equal(t, http.StatusOK, get(t, env, "/api/usage", &summary))
	assert.Equal(t, 3.75, summary.Today)
	assert.Equal(t, 9.75, summary.Month)
	assert.Equal(t, 6.0, summary.AverageDaily)
	require.NotNil(t, summary.Latest)
	assert.Equal(t, "watersmart_1710493200", summary.Latest.UniqueID())

	var readings api.ReadingsResponse
	require.Equal(t, http.StatusOK, get(t, env, "/api/readings?start=2024-03-15T00:00:00Z", &readings))
	assert.Equal(t, 2, readings.Count)

	var health api.HealthResponse
	require.Equal(t, http.StatusOK, get(t, env, "/health", &health))
	assert.Equal(t, "ok", health.Status)

	var st api.StateResponse
	require.Equal(t, http.StatusOK, get(t, env, "/api/state", &st))
	assert.Equal(t, 3.75, st.Numbers[state.KeyTodayGallons])
}

func TestPortalOutageMarksPollStatus(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	seedPortal(env)
	require.NoError(t, env.Poll())

	env.Portal.FailNext(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
	for i := 0; i < 3; i++ {
		err := env.Poll()
		require.Error(t, err)
		assert.ErrorIs(t, err, watersmart.ErrCommunication)
	}

	assert.Equal(t, "error: communication", env.EntityState(pollStatusEntity))
	// The last good aggregate stays published.
	assert.Equal(t, "3.75", env.EntityState(todayEntity))

	status := env.Poller.Status()
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, "communication", status.LastErrorKind)

	var health api.HealthResponse
	assert.Equal(t, http.StatusServiceUnavailable, get(t, env, "/health", &health))
	assert.Equal(t, "degraded", health.Status)

	require.NoError(t, env.Poll())
	assert.Equal(t, state.PollStatusOK, env.EntityState(pollStatusEntity))
	assert.Zero(t, env.Poller.Status().ConsecutiveFailures)
}

func TestTransientFailureIsRetried(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{MaxRetries: 2})
	seedPortal(env)

	env.Portal.FailNext(http.StatusServiceUnavailable)
	require.NoError(t, env.Poll())
	assert.Equal(t, "3.75", env.EntityState(todayEntity))

	_, fetches := env.Portal.Counts()
	assert.Equal(t, 2, fetches)
}

func TestExpiredSessionLogsInAgain(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	seedPortal(env)
	require.NoError(t, env.Poll())

	env.Portal.ExpireSessions()
	env.Portal.AddReadings(watersmart.NewReading(at(15, 10), 1))
	require.NoError(t, env.Poll())

	logins, _ := env.Portal.Counts()
	assert.Equal(t, 2, logins)
	assert.Equal(t, "4.75", env.EntityState(todayEntity))
}

func TestMalformedChartIsDataFormatError(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	env.Portal.SetRawChart(`{"data": {"series": "not a list"}}`)

	err := env.Poll()
	require.Error(t, err)
	assert.ErrorIs(t, err, watersmart.ErrDataFormat)
	assert.Equal(t, "error: data_format", env.EntityState(pollStatusEntity))
}

func TestReadOnlyModeLeavesHomeAssistantAlone(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{ReadOnly: true})
	seedPortal(env)

	require.NoError(t, env.Poll())

	assert.Empty(t, env.HA.GetServiceCalls())
	assert.Equal(t, "0.00", env.EntityState(todayEntity))

	today, err := env.State.GetNumber(state.KeyTodayGallons)
	require.NoError(t, err)
	assert.Equal(t, 3.75, today)
}

func TestRejectedWriteRollsBackCache(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})
	seedPortal(env)
	env.HA.FailDomain("input_number", true)

	// Sink errors do not fail the poll.
	require.NoError(t, env.Poll())

	today, err := env.State.GetNumber(state.KeyTodayGallons)
	require.NoError(t, err)
	assert.Equal(t, 0.0, today)
	assert.Equal(t, state.PollStatusOK, env.EntityState(pollStatusEntity))
}

func TestExternalChangeReachesStateManager(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{})

	env.HA.SetState(pollStatusEntity, "paused", nil)

	assert.Eventually(t, func() bool {
		status, err := env.State.GetString(state.KeyPollStatus)
		return err == nil && status == "paused"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadingsPersistAcrossRestart(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.EnvOptions{Persist: true})
	seedPortal(env)
	require.NoError(t, env.Poll())

	stored, err := env.Store.LoadReadings(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 4)

	restarted := usage.NewAggregator(time.UTC, clock.NewMockClock(env.Clock.Now()))
	assert.Equal(t, 4, restarted.Merge(stored))
	assert.Equal(t, env.Aggregator.Summary().Today, restarted.Summary().Today)
	assert.Equal(t, env.Aggregator.Daily(), restarted.Daily())
}
