package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewatt/plugmon/internal/models"
	"github.com/edgewatt/plugmon/internal/poller"
	"github.com/edgewatt/plugmon/internal/snapshot"
)

type staticLister []poller.DeviceStatus

func (l staticLister) DeviceList() []poller.DeviceStatus { return l }

func newTestHandler(t *testing.T, store *snapshot.Store, devices DeviceLister) http.Handler {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	handler, err := NewHandler(DefaultServerConfig(), store, devices, prometheus.NewRegistry(), logger)
	require.NoError(t, err)

	return handler
}

func publishOne(store *snapshot.Store) {
	energy := 14760000.0
	store.Publish(map[string]snapshot.Entry{
		"801E-AA": {
			Device: models.DeviceRecord{DeviceID: "801E-AA", Alias: "kettle"},
			Reading: models.Reading{
				CurrentAmps:       0.25,
				VoltageVolts:      231.2,
				PowerWatts:        30.0,
				EnergyJoulesTotal: &energy,
				ObservedAt:        time.Now(),
			},
		},
	})
}

func TestMetricsEndpointServesSnapshot(t *testing.T) {
	store := snapshot.NewStore()
	publishOne(store)

	handler := newTestHandler(t, store, staticLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body,
		`device_electric_power_watts{device_alias="kettle",device_id="801E-AA"} 30`)
	assert.Contains(t, body,
		`device_electric_potential_volts{device_alias="kettle",device_id="801E-AA"} 231.2`)
	assert.Contains(t, body,
		`device_electric_current_amperes{device_alias="kettle",device_id="801E-AA"} 0.25`)
	assert.Contains(t, body,
		`device_electric_energy_joules_total{device_alias="kettle",device_id="801E-AA"} 1.476e+07`)
}

func TestCollectorAgainstExpectedExposition(t *testing.T) {
	store := snapshot.NewStore()
	store.Publish(map[string]snapshot.Entry{
		"801E-BB": {
			Device: models.DeviceRecord{DeviceID: "801E-BB", Alias: "lamp"},
			Reading: models.Reading{
				CurrentAmps:  0.1,
				VoltageVolts: 230,
				PowerWatts:   23,
				ObservedAt:   time.Now(),
			},
		},
	})

	expected := `
		# HELP device_electric_power_watts Power reading from device
		# TYPE device_electric_power_watts gauge
		device_electric_power_watts{device_alias="lamp",device_id="801E-BB"} 23
	`

	err := testutil.CollectAndCompare(NewCollector(store),
		strings.NewReader(expected), "device_electric_power_watts")
	assert.NoError(t, err)
}

func TestCollectorOmitsEnergyWhenUnreported(t *testing.T) {
	store := snapshot.NewStore()
	store.Publish(map[string]snapshot.Entry{
		"801E-CC": {
			Device: models.DeviceRecord{DeviceID: "801E-CC", Alias: "strip"},
			Reading: models.Reading{
				CurrentAmps:  0.1,
				VoltageVolts: 230,
				PowerWatts:   23,
				ObservedAt:   time.Now(),
			},
		},
	})

	handler := newTestHandler(t, store, staticLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body,
		`device_electric_power_watts{device_alias="strip",device_id="801E-CC"} 23`)
	// A firmware that reports no running total must not be exported as a
	// counter at zero.
	assert.NotContains(t, body, `device_electric_energy_joules_total{device_alias="strip"`)
}

func TestDevicesEndpoint(t *testing.T) {
	store := snapshot.NewStore()
	devices := staticLister{
		{DeviceID: "801E-AA", Alias: "kettle", State: "reachable", InSnapshot: true},
		{DeviceID: "801E-BB", Alias: "lamp", State: "unreachable",
			ConsecutiveFailures: 4, LastError: "timeout: read deadline exceeded"},
	}

	handler := newTestHandler(t, store, devices)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var got []poller.DeviceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "kettle", got[0].Alias)
	assert.Equal(t, 4, got[1].ConsecutiveFailures)

	// Never-polled devices carry no last_success_at rather than the zero
	// time.
	assert.NotContains(t, rec.Body.String(), "0001-01-01")
}

func TestDevicesEndpointCachedWithinGeneration(t *testing.T) {
	store := snapshot.NewStore()
	calls := 0
	devices := listerFunc(func() []poller.DeviceStatus {
		calls++
		return nil
	})

	handler := newTestHandler(t, store, devices)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, calls, "same generation served from cache")

	publishOne(store) // bumps the generation

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)
}

type listerFunc func() []poller.DeviceStatus

func (f listerFunc) DeviceList() []poller.DeviceStatus { return f() }

func TestHealthz(t *testing.T) {
	handler := newTestHandler(t, snapshot.NewStore(), staticLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLandingPage(t *testing.T) {
	handler := newTestHandler(t, snapshot.NewStore(), staticLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/metrics")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
