package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/domain"
)

func dialEvents(t *testing.T, ts *httptest.Server, jobID, owner, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + jobID + "/events" + query
	header := http.Header{}
	header.Set("X-User-ID", owner)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.ProgressEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEvents_SnapshotReplayAndLive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"source_handle": f.sourceHandle(t)})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJobView(t, rec)["id"].(string)

	// Three events already on the ring before the client connects.
	for i := 1; i <= 3; i++ {
		f.bus.Publish(domain.ProgressEvent{
			JobID:       id,
			Stage:       domain.StageIngesting,
			Progress:    float64(i),
			CurrentStep: "Ingesting source",
		})
	}

	conn := dialEvents(t, ts, id, "u1", "?after_seq=1")

	// Snapshot first; it carries no sequence.
	snap := readEvent(t, conn)
	assert.Equal(t, id, snap.JobID)
	assert.Zero(t, snap.Sequence)

	// Replay skips everything at or below after_seq.
	ev2 := readEvent(t, conn)
	assert.Equal(t, uint64(2), ev2.Sequence)
	ev3 := readEvent(t, conn)
	assert.Equal(t, uint64(3), ev3.Sequence)

	// Live event.
	f.bus.Publish(domain.ProgressEvent{JobID: id, Stage: domain.StageSegments, Progress: 42})
	ev4 := readEvent(t, conn)
	assert.Equal(t, uint64(4), ev4.Sequence)
	assert.InDelta(t, 42, ev4.Progress, 1e-9)
}

func TestEvents_TerminalClosesStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"source_handle": f.sourceHandle(t)})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJobView(t, rec)["id"].(string)

	conn := dialEvents(t, ts, id, "u1", "")
	_ = readEvent(t, conn) // snapshot

	require.NoError(t, f.jobs.MarkTerminal(context.Background(), id, domain.TerminalOutcome{
		Stage:       domain.StageCancelled,
		CurrentStep: "Cancelled",
		Err:         &domain.JobError{Kind: domain.KindCancelled},
	}))
	f.bus.Close(id)

	// Final snapshot reflects the terminal stage, then the server closes.
	final := readEvent(t, conn)
	assert.Equal(t, domain.StageCancelled, final.Stage)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestEvents_ForeignOwnerRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	rec := f.do(t, http.MethodPost, "/v1/jobs", "u1", map[string]any{"source_handle": f.sourceHandle(t)})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeJobView(t, rec)["id"].(string)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + id + "/events"
	header := http.Header{}
	header.Set("X-User-ID", "u2")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if conn != nil {
		_ = conn.Close()
	}
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
