package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mlink-tracker/internal/bus"
	"mlink-tracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type frame struct {
	event string
	id    string
	data  string
	lines []string
}

// readFrame 读取一个以空行结束的 SSE 帧
func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(f.lines) == 0 {
				continue
			}
			return f
		}
		f.lines = append(f.lines, line)
		switch {
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, query string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream"+query, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp, bufio.NewReader(resp.Body), cancel
}

func newServer(b *bus.Bus, keepAlive time.Duration) (*SessionManager, *httptest.Server) {
	mgr := NewSessionManager(b, keepAlive, 3*time.Second, zap.NewNop(), nil)
	return mgr, httptest.NewServer(mgr)
}

func TestSession_HelloRetryAndEvents(t *testing.T) {
	b := bus.New(8, zap.NewNop(), nil)
	mgr, srv := newServer(b, time.Hour)
	defer srv.Close()

	resp, r, cancel := openStream(t, srv, "")
	defer cancel()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	hello := readFrame(t, r)
	assert.Equal(t, "hello", hello.event)
	var m marker
	require.NoError(t, json.Unmarshal([]byte(hello.data), &m))
	assert.Equal(t, "hello", m.Type)
	assert.True(t, m.OK)

	retry := readFrame(t, r)
	assert.Equal(t, []string{"retry: 3000"}, retry.lines)

	require.Equal(t, 1, b.Len())
	assert.Equal(t, 1, mgr.Active())

	hr := 72
	b.Publish(models.StreamEvent{Type: models.EventTelemetry, DeviceID: "dev1", HeartRate: &hr})
	b.Publish(models.StreamEvent{Type: models.EventSOS, DeviceID: "dev1", Kind: models.AlertKindSOS})

	first := readFrame(t, r)
	assert.Empty(t, first.event)
	assert.Equal(t, "1", first.id)
	var got models.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(first.data), &got))
	assert.Equal(t, "dev1", got.DeviceID)
	require.NotNil(t, got.HeartRate)
	assert.Equal(t, 72, *got.HeartRate)

	second := readFrame(t, r)
	assert.Equal(t, "2", second.id)
	assert.Contains(t, second.data, `"sos"`)
}

func TestSession_KeepAlive(t *testing.T) {
	b := bus.New(8, zap.NewNop(), nil)
	_, srv := newServer(b, 20*time.Millisecond)
	defer srv.Close()

	resp, r, cancel := openStream(t, srv, "")
	defer cancel()
	defer resp.Body.Close()

	readFrame(t, r) // hello
	readFrame(t, r) // retry

	ping := readFrame(t, r)
	assert.Equal(t, []string{": ping"}, ping.lines)
	alive := readFrame(t, r)
	assert.Equal(t, "alive", alive.event)
	assert.Contains(t, alive.data, `"type":"alive"`)
}

func TestSession_DeviceFilter(t *testing.T) {
	b := bus.New(8, zap.NewNop(), nil)
	_, srv := newServer(b, time.Hour)
	defer srv.Close()

	resp, r, cancel := openStream(t, srv, "?device_id=dev2")
	defer cancel()
	defer resp.Body.Close()

	readFrame(t, r)
	readFrame(t, r)

	b.Publish(models.StreamEvent{Type: models.EventTelemetry, DeviceID: "dev1"})
	b.Publish(models.StreamEvent{Type: models.EventTelemetry, DeviceID: "dev2"})

	f := readFrame(t, r)
	assert.Equal(t, "1", f.id)
	assert.Contains(t, f.data, `"dev2"`)
}

func TestSession_ClientDisconnectCleansUp(t *testing.T) {
	b := bus.New(8, zap.NewNop(), nil)
	mgr, srv := newServer(b, time.Hour)
	defer srv.Close()

	resp, r, cancel := openStream(t, srv, "")
	readFrame(t, r)
	readFrame(t, r)
	require.Equal(t, 1, b.Len())

	cancel()
	resp.Body.Close()

	assert.Eventually(t, func() bool {
		return b.Len() == 0 && mgr.Active() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_BusCloseEndsStream(t *testing.T) {
	b := bus.New(8, zap.NewNop(), nil)
	mgr, srv := newServer(b, time.Hour)
	defer srv.Close()

	resp, r, cancel := openStream(t, srv, "")
	defer cancel()
	defer resp.Body.Close()
	readFrame(t, r)
	readFrame(t, r)

	b.Close()

	_, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return mgr.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}
