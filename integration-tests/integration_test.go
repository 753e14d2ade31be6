//go:build integration
// +build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewatt/plugmon/internal/device"
	"github.com/edgewatt/plugmon/internal/discovery"
	"github.com/edgewatt/plugmon/internal/models"
	"github.com/edgewatt/plugmon/internal/poller"
	"github.com/edgewatt/plugmon/internal/protocol"
	"github.com/edgewatt/plugmon/internal/snapshot"
	"github.com/edgewatt/plugmon/internal/web"
)

// fakePlug emulates one device end to end: it answers discovery datagrams
// on UDP and telemetry queries on TCP, both on the same port, like real
// firmware does.
type fakePlug struct {
	deviceID string
	alias    string
	body     string

	tcp net.Listener
	udp net.PacketConn
}

func startFakePlug(t *testing.T, deviceID, alias string) *fakePlug {
	t.Helper()

	// Grab a TCP port first, then bind the UDP side of the same port.
	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { tcp.Close() })

	port := tcp.Addr().(*net.TCPAddr).Port

	udp, err := net.ListenPacket("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	p := &fakePlug{
		deviceID: deviceID,
		alias:    alias,
		body: fmt.Sprintf(
			`{"system":{"get_sysinfo":{"alias":%q,"deviceId":%q,"model":"HS110(EU)","hw_ver":"2.0"}},"emeter":{"get_realtime":{"err_code":0,"voltage_mv":231200,"current_ma":250,"power_mw":30000,"total_wh":4100}}}`,
			alias, deviceID,
		),
		tcp: tcp,
		udp: udp,
	}

	go p.serveUDP()
	go p.serveTCP()

	return p
}

func (p *fakePlug) serveUDP() {
	buf := make([]byte, 4096)
	for {
		_, src, err := p.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		_, _ = p.udp.WriteTo(protocol.Encrypt([]byte(p.body)), src)
	}
}

func (p *fakePlug) serveTCP() {
	for {
		conn, err := p.tcp.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			defer conn.Close()

			if _, err := protocol.ReadFrame(conn); err != nil {
				return
			}
			_ = protocol.WriteFrame(conn, json.RawMessage(p.body))
		}(conn)
	}
}

func (p *fakePlug) addr() string {
	return p.tcp.Addr().String()
}

func TestEndToEndDiscoveryPollScrape(t *testing.T) {
	plug := startFakePlug(t, "801E-INTEG", "integration-kettle")

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := snapshot.NewStore()
	registry := prometheus.NewRegistry()

	discoverer := discovery.NewClient(plug.addr(), 300*time.Millisecond, logger)
	querier := device.NewClient(time.Second, time.Second)

	p, err := poller.New(poller.Config{Concurrency: 4}, querier, discoverer, nil,
		store, poller.NewMetrics(registry), logger)
	require.NoError(t, err)

	ctx := context.Background()

	// One source refresh finds the plug; one cycle polls it.
	require.NoError(t, p.RefreshSources(ctx))
	p.RunCycle(ctx)

	entries, gen := store.Get()
	require.EqualValues(t, 1, gen)
	require.Contains(t, entries, "801E-INTEG")
	assert.InDelta(t, 30.0, entries["801E-INTEG"].Reading.PowerWatts, 1e-9)

	// The scrape surface serves the published cycle.
	handler, err := web.NewHandler(web.DefaultServerConfig(), store, p, registry, logger)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`device_electric_power_watts{device_alias="integration-kettle",device_id="801E-INTEG"} 30`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []poller.DeviceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "reachable", devices[0].State)
	assert.True(t, devices[0].InSnapshot)
}

func TestEndToEndDeadPlugIsolated(t *testing.T) {
	healthy := startFakePlug(t, "801E-OK", "alive")

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := snapshot.NewStore()
	registry := prometheus.NewRegistry()

	discoverer := discovery.NewClient(healthy.addr(), 300*time.Millisecond, logger)
	querier := device.NewClient(500*time.Millisecond, 500*time.Millisecond)

	p, err := poller.New(poller.Config{Concurrency: 4}, querier, discoverer, nil,
		store, poller.NewMetrics(registry), logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.RefreshSources(ctx))

	// Inject a second device whose port is closed alongside the real one.
	deadAddr := func() string {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())
		return addr
	}()
	p.IngestCandidates([]models.Candidate{
		{DeviceID: "801E-DEAD", Alias: "dead", Addr: deadAddr, HardwareVersion: "2.0"},
	})

	p.RunCycle(ctx)

	// The healthy device is published; the dead one is tracked with a
	// failure but never blocks the cycle.
	entries, _ := store.Get()
	require.Contains(t, entries, "801E-OK")
	require.NotContains(t, entries, "801E-DEAD")

	var dead poller.DeviceStatus
	for _, s := range p.DeviceList() {
		if s.DeviceID == "801E-DEAD" {
			dead = s
		}
	}
	assert.Equal(t, 1, dead.ConsecutiveFailures)
	assert.NotEmpty(t, dead.LastError)
}
