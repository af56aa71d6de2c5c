package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/activity"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
)

type fakeSessions []protocol.Worker

func (f fakeSessions) Workers(context.Context) []protocol.Worker { return f }

type fakeActivity struct {
	entries map[string][]activity.Entry
	lastN   int
}

func (f *fakeActivity) Recent(_ context.Context, id string, n int) ([]activity.Entry, error) {
	f.lastN = n
	return f.entries[id], nil
}

type fakeProjects []projects.Project

func (f fakeProjects) List() []projects.Project { return f }

type fakeEvents struct {
	mu   sync.Mutex
	subs []func(protocol.Event) bool
	ch   chan protocol.Event
}

func (f *fakeEvents) SubscribeFiltered(filter func(protocol.Event) bool) (<-chan protocol.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, filter)
	return f.ch, func() {}
}

func (f *fakeEvents) subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeEvents) publish(ev protocol.Event) {
	f.mu.Lock()
	filter := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	if filter(ev) {
		f.ch <- ev
	}
}

func newTestServer(t *testing.T) (*Server, *fakeActivity, *fakeEvents) {
	t.Helper()
	act := &fakeActivity{entries: map[string][]activity.Entry{
		"web-1": {{SessionID: "web-1", Kind: "tool", Tool: "Edit", Summary: "Edit main.go"}},
	}}
	ev := &fakeEvents{ch: make(chan protocol.Event, 4)}
	s := New(Config{
		Sessions: fakeSessions{{SessionID: "web-1", Repo: "web", State: "running"}},
		Activity: act,
		Projects: fakeProjects{{Name: "web", Path: "/src/web", Status: projects.StatusActive}},
		Events:   ev,
		Version:  "1.2.3",
	})
	return s, act, ev
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "1.2.3", body["version"])
}

func TestSessions(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []protocol.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	require.Equal(t, "web-1", workers[0].SessionID)
}

func TestSessionActivity(t *testing.T) {
	s, act, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/sessions/web-1/activity?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, act.lastN)
	var entries []activity.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "Edit main.go", entries[0].Summary)

	rec = get(t, s.Handler(), "/sessions/unknown/activity")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, defaultActivityLimit, act.lastN)
	require.JSONEq(t, "[]", rec.Body.String())

	rec = get(t, s.Handler(), "/sessions/web-1/activity?limit=100000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxActivityLimit, act.lastN)

	rec = get(t, s.Handler(), "/sessions/web-1/activity?limit=zero")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjects(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/projects")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"path":"/src/web"`)
}

func TestMissingSources(t *testing.T) {
	s := New(Config{})
	for _, path := range []string{"/sessions", "/sessions/x/activity", "/projects", "/events"} {
		rec := get(t, s.Handler(), path)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(New(Config{}).log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := get(t, h, "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventsWebsocket(t *testing.T) {
	s, _, ev := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?session=web-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ev.subscribed() == 1 }, 2*time.Second, 10*time.Millisecond)

	ev.publish(protocol.Event{Kind: protocol.EventToolUse, SessionID: "other-1"})
	ev.publish(protocol.Event{Kind: protocol.EventSessionUpdated, SessionID: "web-1", Summary: "step started"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got protocol.Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "web-1", got.SessionID)
	require.Equal(t, "step started", got.Summary)
}

func TestStartAndShutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Version: "x"})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestSameHostOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://localhost:7433/events", nil)
	require.True(t, sameHostOrigin(r))

	r.Header.Set("Origin", "http://localhost:7433")
	require.True(t, sameHostOrigin(r))

	r.Header.Set("Origin", "http://evil.example")
	require.False(t, sameHostOrigin(r))
}
