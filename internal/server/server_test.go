package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/config"
	"hades/internal/domain"
	"hades/internal/engine"
	"hades/internal/events"
	"hades/internal/transcript"
	hadessdk "hades/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	relay  *Relay
	broker *MemoryBroker
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) channelURL(id string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/" + id
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	broker := NewMemoryBroker()
	cfg.Broker = broker
	cfg.Logger = quietLogger()
	if cfg.WriteWait == 0 {
		cfg.WriteWait = time.Second
	}
	relay, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: relay}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 5 * time.Second},
		relay:  relay,
		broker: broker,
		close: func() {
			relay.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			broker.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env
}

func sampleInject() domain.Inject {
	return domain.Inject{
		Name: "Hack the planet",
		RulesOfEngagement: domain.RulesOfEngagement{
			Techniques: domain.Techniques{
				Allowed:    []string{"exploiting-known-vulnerabilities"},
				Prohibited: []string{"denial-of-service-attacks"},
			},
		},
		Systems: []domain.System{{
			Targets: []domain.Target{{Type: "machine", Address: "192.168.177.128", Goals: []string{"scan"}}},
		}},
	}
}

func submit(t *testing.T, ts *testServer) string {
	t.Helper()
	id, err := hadessdk.New(ts.URL).SubmitInject(context.Background(), sampleInject())
	require.NoError(t, err)
	return id
}

func TestSubmitAndList(t *testing.T) {
	ts := newTestServer(t, Config{NewID: func() string { return "task-1" }})
	client := hadessdk.New(ts.URL)
	ctx := context.Background()

	published := make(chan []byte, 1)
	_, err := ts.broker.Subscribe(RequestsSubject, func(data []byte) { published <- data })
	require.NoError(t, err)

	id, err := client.SubmitInject(ctx, sampleInject())
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	var got submittedInject
	require.NoError(t, json.Unmarshal(<-published, &got))
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, "Hack the planet", got.Name)

	listing, err := client.ListInjects(ctx)
	require.NoError(t, err)
	require.Contains(t, listing, "task-1")
	assert.True(t, engine.FromInject(listing["task-1"]).Equal(engine.FromInject(sampleInject())))
}

func TestSubmitRejectsConflict(t *testing.T) {
	ts := newTestServer(t, Config{})
	in := sampleInject()
	in.RulesOfEngagement.Techniques.Prohibited = append(in.RulesOfEngagement.Techniques.Prohibited, "exploiting-known-vulnerabilities")

	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/", in, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(body))
	env := decodeEnvelope(t, body)
	assert.Equal(t, "technique_conflict", env.Error.Code)
	assert.Equal(t, "exploiting-known-vulnerabilities", env.Error.Details["technique"])

	listing, err := hadessdk.New(ts.URL).ListInjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listing)
}

func TestSubmitRejectsInvalidInject(t *testing.T) {
	ts := newTestServer(t, Config{})

	in := sampleInject()
	in.Name = ""
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/", in, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Equal(t, "bad_request", decodeEnvelope(t, body).Error.Code)

	in = sampleInject()
	in.Systems[0].Targets[0].Goals = []string{"exfiltrate"}
	res, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/", in, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Contains(t, decodeEnvelope(t, body).Error.Message, "exfiltrate")
}

func TestReportRequiresKnownTaskAndJSON(t *testing.T) {
	ts := newTestServer(t, Config{})

	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/nope/reports", []byte(`{"message":"hi"}`), nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, "not_found", decodeEnvelope(t, body).Error.Code)

	id := submit(t, ts)
	res, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/"+id+"/reports", []byte(`{"message":`), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/"+id+"/reports", []byte(`{"message":"hi"}`), nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(body))
}

func TestChannelUnknownTask(t *testing.T) {
	ts := newTestServer(t, Config{})
	res, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/ws/ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeEnvelope(t, body).Error.Code)
}

// openSession dials the relay with the console's consumer and waits until the
// relay side is subscribed.
func openSession(t *testing.T, ts *testServer, id string) *transcript.Session {
	t.Helper()
	consumer := transcript.NewConsumer(transcript.Config{
		URL:         ts.channelURL,
		DialTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	s := consumer.Open(context.Background(), id)
	require.NotNil(t, s)
	t.Cleanup(s.Teardown)
	require.Eventually(t, func() bool {
		return s.State() == transcript.Open && ts.broker.Subscribers(ControlSubject(id)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	return s
}

func waitClosed(t *testing.T, s *transcript.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestReportsReachConsoleInOrder(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := submit(t, ts)
	s := openSession(t, ts, id)
	client := hadessdk.New(ts.URL)
	ctx := context.Background()

	frames := []string{
		`{"sender":"Agent","receiver":"Client","timestamp":"2026-10-19 10:00:00","message":"scan started"}`,
		`{"sender":"Agent","receiver":"Client","timestamp":"2026-10-19 10:00:01","tool_calls":[{"id":"c1","name":"nmap","arguments":"{\"target\":\"192.168.177.128\"}"}]}`,
		`{"sender":"Agent","receiver":"Client","timestamp":"2026-10-19 10:00:02","message":"scan finished"}`,
	}
	for _, f := range frames {
		require.NoError(t, client.PostReport(ctx, id, json.RawMessage(f)))
	}
	require.Eventually(t, func() bool { return s.Log().Len() == len(frames)+1 }, 3*time.Second, 10*time.Millisecond)

	for _, code := range []int{1004, 1005, 1006, 1015, 2000} {
		res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/"+id+"/close", CloseRequest{Code: code, Reason: "done"}, nil)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, "code %d: %s", code, body)
		assert.Equal(t, "bad_request", decodeEnvelope(t, body).Error.Code)
	}
	assert.Equal(t, transcript.Open, s.State())

	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/"+id+"/close", CloseRequest{Code: 4000, Reason: "exercise over"}, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(body))
	waitClosed(t, s)

	got := s.Snapshot()
	require.Len(t, got, len(frames)+2)
	assert.Equal(t, "Agent", got[1].Sender)
	assert.Equal(t, events.PlainMessage{Text: "scan started"}, got[1].Payload)
	tools, ok := got[2].Payload.(events.ToolInvocation)
	require.True(t, ok, "payload %T", got[2].Payload)
	require.Len(t, tools.Calls, 1)
	assert.Equal(t, "nmap", tools.Calls[0].Name)
	assert.Equal(t, "192.168.177.128", tools.Calls[0].Arguments["target"])
	assert.Equal(t, events.PlainMessage{Text: "scan finished"}, got[3].Payload)
	assert.Equal(t, events.PlainMessage{Text: "Connection closed (Error: 4000, Reason: exercise over)"}, got[4].Payload)
	assert.Equal(t, transcript.Closed, s.State())
}

func TestRelayCloseSendsGoingAway(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := submit(t, ts)
	s := openSession(t, ts, id)

	ts.relay.Close()
	// Close returns only after the handler has sent its frame and released
	// its subscriptions.
	assert.Zero(t, ts.broker.Subscribers(ReportsSubject(id)))
	assert.Zero(t, ts.broker.Subscribers(ControlSubject(id)))
	waitClosed(t, s)
	got := s.Snapshot()
	assert.Equal(t, events.PlainMessage{Text: "Connection closed (Error: 1001, Reason: relay shutting down)"}, got[len(got)-1].Payload)
}

func TestChannelAfterRelayCloseIsTurnedAway(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := submit(t, ts)
	ts.relay.Close()

	consumer := transcript.NewConsumer(transcript.Config{URL: ts.channelURL, DialTimeout: 2 * time.Second, Logger: quietLogger()})
	s := consumer.Open(context.Background(), id)
	require.NotNil(t, s)
	t.Cleanup(s.Teardown)
	waitClosed(t, s)
	got := s.Snapshot()
	assert.Equal(t, events.PlainMessage{Text: "Connection closed (Error: 1001, Reason: relay shutting down)"}, got[len(got)-1].Payload)
	assert.Zero(t, ts.broker.Subscribers(ReportsSubject(id)))
}

func TestConsoleTeardownReleasesSubscription(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := submit(t, ts)
	s := openSession(t, ts, id)

	s.Teardown()
	require.Eventually(t, func() bool {
		return ts.broker.Subscribers(ReportsSubject(id)) == 0 && ts.broker.Subscribers(ControlSubject(id)) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOpenChannelsServeUnregisteredTasks(t *testing.T) {
	ts := newTestServer(t, Config{OpenChannels: true})
	s := openSession(t, ts, "external-7")

	require.NoError(t, hadessdk.New(ts.URL).PostReport(context.Background(), "external-7", json.RawMessage(`{"sender":"Agent","message":"from elsewhere"}`)))
	require.Eventually(t, func() bool { return s.Log().Len() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, events.PlainMessage{Text: "from elsewhere"}, s.Snapshot()[1].Payload)
}

func TestSubjectUnsafeTaskIDsRejected(t *testing.T) {
	ts := newTestServer(t, Config{OpenChannels: true})
	for _, id := range []string{"%3E", "*", "a.b", "a%20b", "task.%3E", strings.Repeat("x", 129)} {
		res, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/ws/"+id, nil, nil)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, "channel %q: %s", id, body)
		assert.Equal(t, "bad_request", decodeEnvelope(t, body).Error.Code)

		res, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/"+id+"/reports", []byte(`{"message":"x"}`), nil)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, "reports %q: %s", id, body)

		res, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/injects/"+id+"/close", CloseRequest{}, nil)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, "close %q: %s", id, body)
	}
	assert.Zero(t, ts.broker.Subscribers(ReportsSubject(">")))
}

func TestValidCloseCode(t *testing.T) {
	for _, code := range []int{0, 1000, 1001, 1003, 1007, 1014, 3000, 4000, 4999} {
		assert.True(t, validCloseCode(code), "code %d", code)
	}
	for _, code := range []int{999, 1004, 1005, 1006, 1015, 1016, 2000, 2999, 5000} {
		assert.False(t, validCloseCode(code), "code %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	submit(t, ts)
	in := sampleInject()
	in.RulesOfEngagement.Techniques.Prohibited = in.RulesOfEngagement.Techniques.Allowed
	doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/", in, nil)

	res, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	text := string(body)
	assert.Contains(t, text, "hades_relay_injects_submitted_total 1")
	assert.Contains(t, text, `hades_relay_injects_rejected_total{reason="conflict"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})
	res, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

type hookRecorder struct {
	mu      sync.Mutex
	events  []webhookEvent
	headers []http.Header
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.headers = append(h.headers, r.Header.Clone())
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhooksFilterAndFlushOnClose(t *testing.T) {
	all := &hookRecorder{}
	reportsOnly := &hookRecorder{}
	allSrv := httptest.NewServer(all)
	defer allSrv.Close()
	reportsSrv := httptest.NewServer(reportsOnly)
	defer reportsSrv.Close()
	disabled := false

	ts := newTestServer(t, Config{
		NewID: func() string { return "task-9" },
		Webhooks: []config.WebhookConfig{
			{URL: allSrv.URL, Secret: "s3cret"},
			{URL: reportsSrv.URL, Events: []string{EventInjectReport}},
			{URL: allSrv.URL, Enabled: &disabled},
		},
	})
	id := submit(t, ts)
	require.NoError(t, hadessdk.New(ts.URL).PostReport(context.Background(), id, json.RawMessage(`{"message":"hi"}`)))
	ts.relay.Close()

	all.mu.Lock()
	require.Len(t, all.events, 2)
	assert.Equal(t, EventInjectSubmitted, all.events[0].Type)
	assert.Equal(t, EventInjectReport, all.events[1].Type)
	assert.Equal(t, "task-9", all.events[0].TaskID)
	assert.Equal(t, "s3cret", all.headers[0].Get("X-Hades-Secret"))
	assert.Equal(t, "task-9", all.headers[1].Get("X-Hades-Task"))
	all.mu.Unlock()

	reportsOnly.mu.Lock()
	require.Len(t, reportsOnly.events, 1)
	assert.JSONEq(t, `{"message":"hi"}`, string(reportsOnly.events[0].Payload))
	assert.Empty(t, reportsOnly.headers[0].Get("X-Hades-Secret"))
	reportsOnly.mu.Unlock()
}

func TestNewWebhookEventKeepsInvalidPayloadRaw(t *testing.T) {
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	evt := newWebhookEvent("d1", EventInjectReport, "t", at, []byte("not json"))
	assert.JSONEq(t, `{}`, string(evt.Payload))
	assert.Equal(t, "not json", evt.PayloadRaw)
	assert.Equal(t, "2026-10-19T10:00:00Z", evt.TS)
}
