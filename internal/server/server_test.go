package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/pixel"
	"pixelwatch/internal/scope"
	"pixelwatch/internal/worker"
)

type testEnv struct {
	srv     *httptest.Server
	metrics *metrics.Metrics
	mgr     *worker.Manager
	hub     *Hub
}

func newTestEnv(t *testing.T, cfg config.Config, start bool) *testEnv {
	t.Helper()
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 64 * 1024
	}
	if cfg.ChannelSize == 0 {
		cfg.ChannelSize = 64
	}
	cfg.EvictionDamper = 5 * time.Second
	cfg.CountTransportErrors = true

	m := metrics.New()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mgr := worker.NewManager(cfg, m, worker.ManagerOptions{Notifier: hub})
	if start {
		mgr.Start()
	}

	f := scope.New([]string{config.DefaultScopeHost}, []string{"script", "image"})
	h := NewHandler(cfg, m, mgr, f, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(h, hub, m, zerolog.Nop()))

	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown()
		cancel()
	})
	return &testEnv{srv: srv, metrics: m, mgr: mgr, hub: hub}
}

func (e *testEnv) post(t *testing.T, body string) (int, ingestResult) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var res ingestResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func (e *testEnv) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

const (
	startImage = `{"kind":"start","context_id":"1","request_id":"A","type":"image",` +
		`"url":"https://sp.analytics.yahoo.com/spp.pl?a=10000&.yp=555"}`
	startScript = `{"kind":"start","context_id":"2","request_id":"B","type":"Script",` +
		`"url":"https://sp.analytics.yahoo.com/sp.pl?a=10000"}`
	startOther = `{"kind":"start","context_id":"1","request_id":"C","type":"image",` +
		`"url":"https://cdn.example.com/pixel.gif"}`
)

func TestEvents_AcceptSingleAndBatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{}, true)

	code, res := env.post(t, startImage)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, res.Accepted)

	code, res = env.post(t, "["+startScript+","+startOther+"]")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, ingestResult{Accepted: 1, OutOfScope: 1}, res)
	assert.EqualValues(t, 1, env.metrics.EventsOutOfScopeTotal)

	var sums []pixel.Summary
	require.Equal(t, http.StatusOK, env.getJSON(t, "/contexts", &sums))
	require.Len(t, sums, 2)
	assert.Equal(t, "1", sums[0].ContextID)
	assert.Equal(t, pixel.SeverityOK, sums[0].Badge.Severity)
	assert.Equal(t, pixel.SeverityError, sums[1].Badge.Severity)
}

func TestEvents_Rejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{MaxBodySize: 128}, true)

	code, _ := env.post(t, `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, res := env.post(t, `{"kind":"teleport","context_id":"1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errUnknownKind.Error(), res.Error)

	code, _ = env.post(t, "   ")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.post(t, "["+strings.Repeat(startImage+",", 5)+startImage+"]")
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.EqualValues(t, 1, env.metrics.HTTPRequestsRejectedBodyTooLargeTotal)
}

func TestEvents_QueueFull(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{ChannelSize: 1}, false)

	code, res := env.post(t, "["+startImage+","+startScript+"]")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, worker.ErrQueueFull.Error(), res.Error)
	assert.EqualValues(t, 1, env.metrics.EventsRejectedQueueFullTotal)
}

func TestContext_SnapshotGroupAndBadge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{}, true)
	env.post(t, "["+startImage+","+
		`{"kind":"start","context_id":"1","request_id":"D","type":"image","url":"https://sp.analytics.yahoo.com/spp.pl?a=10000"}`+
		","+`{"kind":"error","context_id":"1","request_id":"A","error":{"message":"net::ERR_FAILED"}}`+"]")

	var snap struct {
		ContextID string           `json:"context_id"`
		Records   []map[string]any `json:"records"`
		Errors    int              `json:"error_count"`
		Badge     pixel.Badge      `json:"badge"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/contexts/1", &snap))
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "Error", snap.Records[0]["elapsed_ms"])
	assert.Equal(t, 2, snap.Errors)
	assert.Equal(t, pixel.Badge{Label: "2", Severity: pixel.SeverityError}, snap.Badge)

	var grouped struct {
		Groups []struct {
			Label   string `json:"label"`
			Records []any  `json:"records"`
		} `json:"groups"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/contexts/1?group=pixel", &grouped))
	require.Len(t, grouped.Groups, 2)
	assert.Equal(t, "555", grouped.Groups[0].Label)
	assert.Equal(t, "Missing", grouped.Groups[1].Label)

	var badge badgeView
	require.Equal(t, http.StatusOK, env.getJSON(t, "/contexts/1/badge", &badge))
	assert.Equal(t, badgeView{ContextID: "1", Label: "2", Severity: pixel.SeverityError, Color: "#f44253"}, badge)
}

func TestContext_Unknown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{}, true)

	var snap struct {
		Records    []any `json:"records"`
		Duplicates int   `json:"duplicate_count"`
	}
	require.Equal(t, http.StatusOK, env.getJSON(t, "/contexts/404", &snap))
	assert.NotNil(t, snap.Records)
	assert.Empty(t, snap.Records)
	assert.Equal(t, 1, snap.Duplicates)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{}, true)
	env.post(t, startImage)

	for path, want := range map[string]string{
		"/health":      "ok",
		"/metrics.txt": "events_received_total=1",
		"/metrics":     "pixelwatch_events_received_total 1",
	} {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), want, path)
	}
}

func TestWebsocket_BadgePush(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.Config{}, true)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?context=2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() BadgeMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg BadgeMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg
	}

	initial := read()
	assert.Equal(t, "2", initial.ContextID)
	assert.Equal(t, pixel.SeverityNone, initial.Badge.Severity)

	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// context 1 is filtered out for this subscriber
	env.post(t, "["+startImage+","+startScript+"]")

	msg := read()
	assert.Equal(t, msgBadgeChanged, msg.Type)
	assert.Equal(t, "2", msg.ContextID)
	assert.Equal(t, "1", msg.Badge.Label)
	assert.Equal(t, pixel.SeverityError, msg.Badge.Severity)
	assert.Equal(t, "#f44253", msg.Badge.Color)
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest("POST", "/events", nil)
	r.RemoteAddr = "127.0.0.1:5000"
	assert.Equal(t, "127.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "garbage, 203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
