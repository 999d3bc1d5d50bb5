package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

// sseReader reads frames from a live event stream.
type sseReader struct {
	t      *testing.T
	lines  chan string
	cancel context.CancelFunc
}

func openStream(t *testing.T, srv *httptest.Server, path, token, lastEventID string) *sseReader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer resp.Body.Close()
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	r := &sseReader{t: t, lines: lines, cancel: cancel}
	t.Cleanup(cancel)
	return r
}

// frame returns the next complete frame as a field map.
func (r *sseReader) frame() map[string]string {
	r.t.Helper()
	fields := map[string]string{}
	for {
		select {
		case line, ok := <-r.lines:
			require.True(r.t, ok, "stream closed")
			if line == "" {
				if len(fields) > 0 {
					return fields
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}
			name, value, _ := strings.Cut(line, ":")
			fields[name] = strings.TrimSpace(value)
		case <-time.After(3 * time.Second):
			r.t.Fatal("timed out waiting for sse frame")
		}
	}
}

func TestEvents_ReplayThenLive(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH", "JKLM-NPQR")
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	s.issue(t, "K1")
	rec := s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})
	require.Equal(t, http.StatusOK, rec.Code)

	stream := openStream(t, srv, "/v1/events?topic=kiosks", tokenA, "0")

	connected := stream.frame()
	assert.Equal(t, "connected", connected["event"])

	replayed := stream.frame()
	assert.Equal(t, "activated", replayed["event"])
	assert.Equal(t, "1", replayed["id"])
	assert.Contains(t, replayed["data"], `"kioskId":"K1"`)
	assert.NotContains(t, replayed["data"], "tenant")

	// Wait for the subscription to register before producing a live event.
	require.Eventually(t, func() bool { return s.bus.TotalClients() == 1 }, time.Second, 10*time.Millisecond)

	s.issue(t, "K2")
	rec = s.do(t, http.MethodDelete, "/v1/kiosks/K2/activation-code", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	live := stream.frame()
	assert.Equal(t, "revoked", live["event"])
	assert.Equal(t, "2", live["id"])
	assert.Contains(t, live["data"], `"code":"JKLM-NPQR"`)
}

func TestEvents_FreshSubscriberSkipsHistory(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH", "JKLM-NPQR")
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	s.issue(t, "K1")
	s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})

	stream := openStream(t, srv, "/v1/events", tokenA, "")
	assert.Equal(t, "connected", stream.frame()["event"])
	require.Eventually(t, func() bool { return s.bus.TotalClients() == 1 }, time.Second, 10*time.Millisecond)

	s.issue(t, "K2")
	s.do(t, http.MethodDelete, "/v1/kiosks/K2/activation-code", tokenA, nil)

	next := stream.frame()
	assert.Equal(t, "revoked", next["event"], "history before connecting is not replayed")
}

func TestEvents_TenantIsolation(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH", "JKLM-NPQR")
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	s.issue(t, "K1")
	s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})

	stream := openStream(t, srv, "/v1/events?since=0", tokenB, "")
	assert.Equal(t, "connected", stream.frame()["event"])
	require.Eventually(t, func() bool { return s.bus.TotalClients() == 1 }, time.Second, 10*time.Millisecond)

	rec := s.do(t, http.MethodPost, "/v1/activation-codes", tokenB, map[string]string{"kioskId": "K1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodDelete, "/v1/kiosks/K1/activation-code", tokenB, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Tenant A's activation is neither replayed nor streamed to tenant B.
	next := stream.frame()
	assert.Equal(t, "revoked", next["event"])
	assert.Contains(t, next["data"], `"code":"JKLM-NPQR"`)
}

func TestEvents_RejectsUnknownTopic(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/events?topic=tickets", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEvents_LiveEventsOutOfSeqOrder(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	stream := openStream(t, srv, "/v1/events", tokenA, "")
	assert.Equal(t, "connected", stream.frame()["event"])
	require.Eventually(t, func() bool { return s.bus.TotalClients() == 1 }, time.Second, 10*time.Millisecond)

	at := time.Now()
	later := model.PairingEvent{ID: "e6", Seq: 6, TenantID: "tenant-a", Type: model.EventActivated, KioskID: "K2", Code: "JKLM-NPQR", OccurredAt: at}
	earlier := model.PairingEvent{ID: "e5", Seq: 5, TenantID: "tenant-a", Type: model.EventActivated, KioskID: "K1", Code: "ABCD-EFGH", OccurredAt: at}
	require.NoError(t, s.bus.Publish(context.Background(), later))
	require.NoError(t, s.bus.Publish(context.Background(), earlier))

	first := stream.frame()
	assert.Equal(t, "6", first["id"])
	second := stream.frame()
	assert.Equal(t, "5", second["id"], "a lower seq committed later is still delivered")
	assert.Contains(t, second["data"], `"kioskId":"K1"`)
}

func TestEvents_ReplayedSeqNotRepeatedLive(t *testing.T) {
	s := newTestServer(t, "ABCD-EFGH")
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	s.issue(t, "K1")
	rec := s.do(t, http.MethodPost, "/v1/activation-codes/ABCD-EFGH/redeem", "", map[string]string{"deviceFingerprint": "F1"})
	require.Equal(t, http.StatusOK, rec.Code)

	stream := openStream(t, srv, "/v1/events", tokenA, "0")
	assert.Equal(t, "connected", stream.frame()["event"])
	replayed := stream.frame()
	require.Equal(t, "1", replayed["id"])
	require.Eventually(t, func() bool { return s.bus.TotalClients() == 1 }, time.Second, 10*time.Millisecond)

	// The replayed row published again live is skipped once.
	dup := model.PairingEvent{ID: "again", Seq: 1, TenantID: "tenant-a", Type: model.EventActivated, KioskID: "K1", Code: "ABCD-EFGH", OccurredAt: time.Now()}
	other := model.PairingEvent{ID: "e2", Seq: 2, TenantID: "tenant-a", Type: model.EventRevoked, KioskID: "K3", Code: "WXYZ-2345", OccurredAt: time.Now()}
	require.NoError(t, s.bus.Publish(context.Background(), dup))
	require.NoError(t, s.bus.Publish(context.Background(), other))

	next := stream.frame()
	assert.Equal(t, "revoked", next["event"])
	assert.Contains(t, next["data"], `"kioskId":"K3"`)
}
