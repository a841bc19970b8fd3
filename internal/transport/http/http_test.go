package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/notify/internal/adapter/bus/memory"
	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/monitoring"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
	"github.com/strogmv/notify/internal/registry"
	"github.com/strogmv/notify/internal/service"
)

const internalToken = "s3cret"

// tokenAuth accepts "tok-<user>" tokens.
type tokenAuth struct{}

func (tokenAuth) Authenticate(_ context.Context, token string) (string, error) {
	if user, ok := strings.CutPrefix(token, "tok-"); ok && user != "" {
		return user, nil
	}
	return "", port.ErrUnauthenticated
}

type stubNotifier struct {
	res port.DeliveryResult
	err error
	got []port.NotifyRequest
}

func (n *stubNotifier) Notify(_ context.Context, req port.NotifyRequest) (port.DeliveryResult, error) {
	n.got = append(n.got, req)
	return n.res, n.err
}

type env struct {
	srv     *httptest.Server
	svc     *service.Service
	reg     *registry.Registry
	metrics *metrics.Metrics
}

func newEnv(t *testing.T, notifier port.Notifier) *env {
	t.Helper()
	return newEnvWithBus(t, notifier, memory.New(16, nil))
}

func newEnvWithBus(t *testing.T, notifier port.Notifier, bus port.MessageBus) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	reg := registry.New(nil)
	svc := service.New(service.Options{PublishBackoff: time.Millisecond}, service.Deps{
		Bus: bus, Registry: reg, Metrics: m, Logger: log,
	})
	mon := monitoring.New(monitoring.Config{InstanceID: "test", ProbeTimeout: time.Second, StaleThreshold: time.Minute},
		reg, bus, nil, m, svc.BreakerState, nil, log)
	if notifier == nil {
		notifier = svc
	}
	h := NewHandler(Options{InternalToken: internalToken, WriteTimeout: time.Second, IdleTimeout: time.Minute, CORSOrigins: []string{"*"}},
		svc, notifier, tokenAuth{}, mon, m, log)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		srv.Close()
	})
	return &env{srv: srv, svc: svc, reg: reg, metrics: m}
}

func (e *env) publish(t *testing.T, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/internal/v1/notifications", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", internalToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	name string
	data string
}

type sseClient struct {
	resp   *http.Response
	r      *bufio.Reader
	cancel context.CancelFunc
}

func (e *env) openSSE(t *testing.T, user string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/v1/notifications/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-"+user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	c := &sseClient{resp: resp, r: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) close() {
	c.cancel()
	c.resp.Body.Close()
}

func (c *sseClient) next(t *testing.T) sseEvent {
	t.Helper()
	type result struct {
		ev  sseEvent
		err error
	}
	done := make(chan result, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := c.r.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				done <- result{ev: ev}
				return
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	select {
	case res := <-done:
		require.NoError(t, res.err)
		return res.ev
	case <-time.After(3 * time.Second):
		t.Fatal("no SSE event")
	}
	return sseEvent{}
}

func connectionID(t *testing.T, ev sseEvent) string {
	t.Helper()
	require.Equal(t, eventConnected, ev.name)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(ev.data), &body))
	require.NotEmpty(t, body["connection_id"])
	return body["connection_id"]
}

func TestStream_RequiresAuthentication(t *testing.T) {
	e := newEnv(t, nil)
	for _, header := range []string{"", "Bearer nope"} {
		req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/notifications/stream", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	}
	assert.Zero(t, e.reg.TotalCount())
}

func TestStream_DeliversPublishedEvents(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.openSSE(t, "alice")
	id := connectionID(t, alice.next(t))

	resp := e.publish(t, `{"user_id":"alice","event_type":"progress","data":{"pct":50},"correlation_id":"job-1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var res port.DeliveryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Published)
	assert.Equal(t, "job-1", res.CorrelationID)

	ev := alice.next(t)
	assert.Equal(t, "progress", ev.name)
	var p domain.NotificationPayload
	require.NoError(t, json.Unmarshal([]byte(ev.data), &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "job-1", p.CorrelationID)
	assert.EqualValues(t, 50, p.Data["pct"])

	require.Eventually(t, func() bool { return e.metrics.Snapshot().Delivered == 1 }, time.Second, 10*time.Millisecond)
	_, ok := e.reg.Get(id)
	assert.True(t, ok)
}

func TestStream_ClientDisconnectReleasesConnection(t *testing.T) {
	e := newEnv(t, nil)
	c := e.openSSE(t, "alice")
	connectionID(t, c.next(t))
	require.Equal(t, 1, e.reg.TotalCount())

	c.close()
	require.Eventually(t, func() bool { return e.reg.TotalCount() == 0 && e.svc.StreamCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestStream_ShutdownSendsCloseEvent(t *testing.T) {
	e := newEnv(t, nil)
	c := e.openSSE(t, "alice")
	connectionID(t, c.next(t))

	require.NoError(t, e.svc.Shutdown(context.Background()))
	assert.Equal(t, eventClose, c.next(t).name)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/notifications/stream?token=tok-bob", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// unsubscribableBus publishes fine but cannot open subscriptions.
type unsubscribableBus struct{ *memory.Bus }

func (unsubscribableBus) Subscribe(context.Context, string) (port.Subscription, error) {
	return nil, errors.New("redis subscribe: i/o timeout")
}

func TestStream_BusUnavailableFailsFast(t *testing.T) {
	e := newEnvWithBus(t, nil, unsubscribableBus{memory.New(16, nil)})

	for _, path := range []string{"/api/v1/notifications/stream", "/api/v1/notifications/ws"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+path+"?token=tok-alice", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err, path)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		assert.Contains(t, string(body), "notification bus unavailable", path)
	}
	assert.Zero(t, e.reg.TotalCount())
	assert.Zero(t, e.svc.StreamCount())
}

func TestHeartbeat_OwnConnectionOnly(t *testing.T) {
	e := newEnv(t, nil)
	c := e.openSSE(t, "alice")
	id := connectionID(t, c.next(t))

	post := func(user, connID string) int {
		req, err := http.NewRequest(http.MethodPost,
			e.srv.URL+"/api/v1/notifications/connections/"+connID+"/heartbeat", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok-"+user)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, post("alice", id))
	assert.Equal(t, http.StatusNotFound, post("mallory", id))
	assert.Equal(t, http.StatusNotFound, post("alice", "missing"))
}

func TestPublish_RequiresInternalToken(t *testing.T) {
	n := &stubNotifier{}
	e := newEnv(t, n)
	for _, token := range []string{"", "wrong"} {
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/internal/v1/notifications",
			strings.NewReader(`{"user_id":"u","event_type":"progress"}`))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("X-Internal-Token", token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Empty(t, n.got)
}

func TestPublish_ValidatesBody(t *testing.T) {
	n := &stubNotifier{}
	e := newEnv(t, n)
	for _, body := range []string{
		`not json`,
		`{"user_id":"u"}`,
		`{"user_id":"u","event_type":"bogus"}`,
		`{"event_type":"progress"}`,
		`{"user_id":"u","event_type":"progress","extra":1}`,
	} {
		resp := e.publish(t, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, n.got)
}

func TestPublish_FailureIs503WithResult(t *testing.T) {
	n := &stubNotifier{
		res: port.DeliveryResult{Attempts: 4, CorrelationID: "c-1"},
		err: service.ErrPublishFailed,
	}
	e := newEnv(t, n)
	resp := e.publish(t, `{"user_id":"u","event_type":"stage_complete"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var res port.DeliveryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.False(t, res.Published)
	assert.Equal(t, 4, res.Attempts)
	require.Len(t, n.got, 1)
	assert.Equal(t, domain.EventStageComplete, n.got[0].EventType)
}

func TestWebSocket_DeliversFrames(t *testing.T) {
	e := newEnv(t, nil)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/notifications/ws?token=tok-alice"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	read := func() map[string]json.RawMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var frame map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}
	assert.JSONEq(t, `"connected"`, string(read()["event"]))

	pub := e.publish(t, `{"user_id":"alice","event_type":"error","data":{"reason":"boom"}}`)
	require.Equal(t, http.StatusAccepted, pub.StatusCode)

	frame := read()
	assert.JSONEq(t, `"error"`, string(frame["event"]))
	var p domain.NotificationPayload
	require.NoError(t, json.Unmarshal(frame["data"], &p))
	assert.Equal(t, "boom", p.Data["reason"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return e.reg.TotalCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitoring_Endpoints(t *testing.T) {
	e := newEnv(t, nil)
	c := e.openSSE(t, "alice")
	connectionID(t, c.next(t))

	get := func(path string) (*http.Response, []byte) {
		resp, err := http.Get(e.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	resp, body := get("/monitoring/connections")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"total":1,"per_user":{"alice":1}}`, string(body))

	_, body = get("/monitoring/connections/alice")
	assert.JSONEq(t, `{"user_id":"alice","local":1,"cluster":1}`, string(body))

	resp, body = get("/monitoring/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	resp, body = get("/monitoring/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, uint64(1), snap.StreamsOpened)

	_, body = get("/metrics")
	assert.True(t, bytes.Contains(body, []byte("notify_connections_closed_total")) ||
		bytes.Contains(body, []byte("notify_streams_opened_total")))
}
