package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/droprate/internal/config"
	"github.com/NodePath81/droprate/internal/journal"
	"github.com/NodePath81/droprate/internal/metrics"
	"github.com/NodePath81/droprate/internal/search"
	"github.com/NodePath81/droprate/internal/trial"
	"github.com/NodePath81/droprate/internal/util"
)

const testToken = "s3cret"

func newTestServer(t *testing.T) (*httptest.Server, *StatusStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := NewStatusStore(NewStatusHub(ctx.Done()))
	var cfg config.Config
	cfg.Hostname = "lab"
	cfg.Control.AuthToken = testToken
	srv := NewControlServer(cfg, metrics.NewMetrics(), store, util.NopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func rpc(t *testing.T, url, token, method string, params any) (int, rpcResponse, json.RawMessage) {
	t.Helper()
	body := map[string]any{"method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", bytes.NewReader(raw))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		rpcResponse
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out.rpcResponse, out.Result
}

func measurement(t *testing.T, rate float64, loss uint64) trial.Measurement {
	t.Helper()
	m, err := trial.New(time.Second, rate, uint64(rate), loss)
	require.NoError(t, err)
	return m
}

func TestRPCRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t)
	code, resp, _ := rpc(t, ts.URL, "", "GetStatus", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Ok)

	code, _, _ = rpc(t, ts.URL, "wrong!", "GetStatus", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRPCMethods(t *testing.T) {
	ts, store := newTestServer(t)
	store.Start("a", "ndr", config.KindNDRPDR, 1)
	store.Trial("a", measurement(t, 1000, 0))
	store.SearchProgress("a", []search.RatioInterval{{
		Ratio:    0,
		Interval: search.Interval{Low: measurement(t, 900, 0), High: measurement(t, 1100, 50)},
	}})
	store.Start("b", "soak", config.KindSoak, 1)
	store.Finish("b", true, "width goal met", nil)

	code, resp, raw := rpc(t, ts.URL, testToken, "GetStatus", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Ok)
	var status statusResponse
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, "lab", status.Hostname)
	assert.Equal(t, 2, status.Sessions)
	assert.Equal(t, 1, status.Running)

	_, _, raw = rpc(t, ts.URL, testToken, "ListSessions", nil)
	var sessions []SessionStatus
	require.NoError(t, json.Unmarshal(raw, &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Trials)
	assert.Equal(t, []IntervalStatus{{Ratio: 0, Lower: 900, Upper: 1100}}, sessions[0].Intervals)
	assert.Equal(t, StateConverged, sessions[1].State)

	code, _, raw = rpc(t, ts.URL, testToken, "GetSession", map[string]string{"id": "b"})
	require.Equal(t, http.StatusOK, code)
	var one SessionStatus
	require.NoError(t, json.Unmarshal(raw, &one))
	assert.Equal(t, "width goal met", one.Reason)

	code, _, _ = rpc(t, ts.URL, testToken, "GetSession", map[string]string{"id": "zzz"})
	assert.Equal(t, http.StatusNotFound, code)

	code, resp, _ = rpc(t, ts.URL, testToken, "Restart", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unknown method", resp.Error)
}

func TestRPCJournalHistory(t *testing.T) {
	ctx := context.Background()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	id, err := j.StartSession(ctx, "ndr", config.KindNDRPDR, 2)
	require.NoError(t, err)
	require.NoError(t, j.RecordTrial(ctx, id, measurement(t, 1000, 0)))
	require.NoError(t, j.RecordTrial(ctx, id, measurement(t, 2000, 40)))
	require.NoError(t, j.FinishSession(ctx, id, true, "width goal met"))

	hubCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	store := NewStatusStore(NewStatusHub(hubCtx.Done()))
	var cfg config.Config
	cfg.Control.AuthToken = testToken
	srv := NewControlServer(cfg, metrics.NewMetrics(), store, util.NopLogger())
	srv.SetHistory(j)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	code, _, raw := rpc(t, ts.URL, testToken, "ListHistory", nil)
	require.Equal(t, http.StatusOK, code)
	var past []historySession
	require.NoError(t, json.Unmarshal(raw, &past))
	require.Len(t, past, 1)
	assert.Equal(t, id, past[0].ID)
	assert.Equal(t, 2, past[0].Repetition)
	assert.Equal(t, 2, past[0].Trials)
	assert.True(t, past[0].Converged)
	assert.NotZero(t, past[0].FinishedAt)

	code, _, raw = rpc(t, ts.URL, testToken, "GetTrials", map[string]string{"id": id})
	require.Equal(t, http.StatusOK, code)
	var trials []TrialEvent
	require.NoError(t, json.Unmarshal(raw, &trials))
	require.Len(t, trials, 2)
	assert.Equal(t, 1000.0, trials[0].Rate)
	assert.Equal(t, uint64(40), trials[1].Loss)
	assert.Equal(t, int64(1000), trials[1].DurationMs)
	assert.Equal(t, id, trials[1].Session)

	// Unknown to the status store, served from the journal.
	code, _, raw = rpc(t, ts.URL, testToken, "GetSession", map[string]string{"id": id})
	require.Equal(t, http.StatusOK, code)
	var one historySession
	require.NoError(t, json.Unmarshal(raw, &one))
	assert.Equal(t, "ndr", one.Name)
	assert.Equal(t, "width goal met", one.Reason)

	code, resp, _ := rpc(t, ts.URL, testToken, "GetTrials", map[string]string{"id": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "session not found", resp.Error)
}

func TestRPCHistoryWithoutJournal(t *testing.T) {
	ts, _ := newTestServer(t)
	code, resp, _ := rpc(t, ts.URL, testToken, "ListHistory", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "journal disabled", resp.Error)

	code, _, _ = rpc(t, ts.URL, testToken, "GetTrials", map[string]string{"id": "a"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRPCRejectsGet(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/rpc", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func readMessage(t *testing.T, conn *websocket.Conn) statusMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg statusMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestStatusStream(t *testing.T) {
	ts, store := newTestServer(t)
	store.Start("a", "ndr", config.KindNDRPDR, 1)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	snap := readMessage(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Sessions, 1)

	// registration happens after the snapshot is queued
	deadline := time.Now().Add(5 * time.Second)
	for {
		store.hub.mu.Lock()
		n := len(store.hub.clients)
		store.hub.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.Trial("a", measurement(t, 2000, 20))
	msg := readMessage(t, conn)
	for msg.Type == "session_started" {
		msg = readMessage(t, conn)
	}
	assert.Equal(t, "trial", msg.Type)
	require.NotNil(t, msg.Trial)
	assert.Equal(t, 2000.0, msg.Trial.Rate)
	assert.Equal(t, uint64(20), msg.Trial.Loss)
	assert.Equal(t, 1, msg.SchemaVersion)
}

func TestStatusStreamTokenSubprotocol(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"

	dialer := websocket.Dialer{Subprotocols: []string{
		wsPrimaryProtocol,
		wsTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(testToken)),
	}}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, wsPrimaryProtocol, resp.Header.Get("Sec-Websocket-Protocol"))
	assert.Equal(t, "snapshot", readMessage(t, conn).Type)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
