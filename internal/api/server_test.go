// internal/api/server_test.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenlabs/aiden/internal/protocol"
	"github.com/aidenlabs/aiden/internal/store"
)

type fakeHealth struct {
	running   bool
	malformed int64
	dropped   int64
}

func (f fakeHealth) WatcherRunning() bool  { return f.running }
func (f fakeHealth) MalformedLines() int64 { return f.malformed }
func (f fakeHealth) DroppedEvents() int64  { return f.dropped }

func startServer(t *testing.T, st *store.Store) (string, *Hub) {
	t.Helper()
	hub := NewHub()
	srv := NewServer("127.0.0.1:0", st, hub, fakeHealth{running: true, malformed: 2, dropped: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return "http://" + srv.WaitAddr(), hub
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedError(t *testing.T, st *store.Store, device string, sev protocol.Severity) protocol.ErrorEvent {
	t.Helper()
	ev := protocol.ErrorEvent{
		ID:        uuid.NewString(),
		DeviceID:  device,
		Timestamp: time.Now().Truncate(time.Second),
		Severity:  sev,
		ErrorLine: "Error: interface down",
		PatternID: "interface-down",
		Context:   "ctx",
	}
	require.NoError(t, st.InsertError(ev))
	return ev
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	base, _ := startServer(t, testStore(t))

	var body map[string]any
	code := getJSON(t, base+"/api/health", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["watcher_running"])
	assert.Equal(t, float64(2), body["malformed_lines"])
	assert.Equal(t, float64(1), body["dropped_events"])
	assert.Equal(t, float64(0), body["ws_clients"])
}

func TestListErrorsEndpoint(t *testing.T) {
	st := testStore(t)
	seedError(t, st, "R1", protocol.SeverityCritical)
	seedError(t, st, "R2", protocol.SeverityWarning)
	base, _ := startServer(t, st)

	var body struct {
		Errors  []protocol.ErrorWithSolution `json:"errors"`
		Total   int                          `json:"total"`
		Page    int                          `json:"page"`
		PerPage int                          `json:"per_page"`
	}
	code := getJSON(t, base+"/api/errors", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Total)
	assert.Len(t, body.Errors, 2)
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 20, body.PerPage)

	// device filter
	code = getJSON(t, base+"/api/errors?device_id=R1", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "R1", body.Errors[0].Error.DeviceID)

	// severity filter
	code = getJSON(t, base+"/api/errors?severity=warning", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Total)

	// out-of-range per_page falls back to the default
	code = getJSON(t, base+"/api/errors?per_page=9999", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 20, body.PerPage)
}

func TestListErrorsEmpty(t *testing.T) {
	base, _ := startServer(t, testStore(t))

	resp, err := http.Get(base + "/api/errors")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	// an empty page is [], never null
	assert.Equal(t, "[]", strings.TrimSpace(string(raw["errors"])))
}

func TestGetAndDismissError(t *testing.T) {
	st := testStore(t)
	ev := seedError(t, st, "R1", protocol.SeverityCritical)
	base, _ := startServer(t, st)

	var item protocol.ErrorWithSolution
	code := getJSON(t, base+"/api/errors/"+ev.ID, &item)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, ev.ID, item.Error.ID)

	code = getJSON(t, base+"/api/errors/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Post(base+"/api/errors/"+ev.ID+"/dismiss", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/api/errors/no-such-id/dismiss", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// the active view no longer includes the dismissed error
	var body struct {
		Total int `json:"total"`
	}
	code = getJSON(t, base+"/api/errors/active", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, body.Total)
}

func TestDevicesEndpoint(t *testing.T) {
	st := testStore(t)
	seedError(t, st, "R1", protocol.SeverityCritical)
	seedError(t, st, "R1", protocol.SeverityCritical)
	seedError(t, st, "R2", protocol.SeverityWarning)
	base, _ := startServer(t, st)

	var body struct {
		Devices []protocol.DeviceSummary `json:"devices"`
	}
	code := getJSON(t, base+"/api/devices", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Devices, 2)

	counts := map[string]int{}
	for _, d := range body.Devices {
		counts[d.DeviceID] = d.ErrorCount
	}
	assert.Equal(t, 2, counts["R1"])
	assert.Equal(t, 1, counts["R2"])
}

func TestPaginationParams(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 25; i++ {
		seedError(t, st, fmt.Sprintf("R%d", i), protocol.SeverityCritical)
	}
	base, _ := startServer(t, st)

	var body struct {
		Errors []protocol.ErrorWithSolution `json:"errors"`
		Total  int                          `json:"total"`
		Page   int                          `json:"page"`
	}
	code := getJSON(t, base+"/api/errors?page=2&per_page=10", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 25, body.Total)
	assert.Equal(t, 2, body.Page)
	assert.Len(t, body.Errors, 10)

	code = getJSON(t, base+"/api/errors?page=3&per_page=10", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Errors, 5)
}
