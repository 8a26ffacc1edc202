package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/atelier/internal/autosave"
	"github.com/ent0n29/atelier/internal/config"
	"github.com/ent0n29/atelier/internal/durable"
	"github.com/ent0n29/atelier/internal/observability"
	"github.com/ent0n29/atelier/internal/statestore"
)

func newTestServer(t *testing.T, degraded bool) (*httptest.Server, *statestore.Store, *autosave.ManualClock) {
	t.Helper()
	clock := autosave.NewManualClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_"))
	state := statestore.New(durable.NewMemoryStore(), statestore.Options{
		Modules: []string{"poses", "voice"},
		Clock:   clock,
		Metrics: metrics,
	})
	srv := New(config.Config{}, state, Options{Metrics: metrics, Degraded: degraded})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = state.Dispose(context.Background())
	})
	return ts, state, clock
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s response: %v", method, url, err)
	}
	return res, payload
}

func TestSettingsUndoRedo(t *testing.T) {
	ts, state, _ := newTestServer(t, false)

	for _, body := range []string{`{"v":"A"}`, `{"v":"B"}`, `{"v":"C"}`} {
		res, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/modules/poses/settings", body)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("push status = %d, want %d", res.StatusCode, http.StatusOK)
		}
	}

	res, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/modules/poses/undo", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("undo status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	settings, _ := payload["settings"].(map[string]any)
	if settings["v"] != "B" {
		t.Fatalf("settings after undo = %v, want v=B", payload["settings"])
	}
	if payload["can_redo"] != true {
		t.Fatalf("can_redo = %v, want true", payload["can_redo"])
	}

	_, payload = doJSON(t, http.MethodPost, ts.URL+"/v1/modules/poses/redo", "")
	settings, _ = payload["settings"].(map[string]any)
	if settings["v"] != "C" {
		t.Fatalf("settings after redo = %v, want v=C", payload["settings"])
	}

	res, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/modules/poses", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["historyIndex"] != float64(2) {
		t.Fatalf("historyIndex = %v, want 2", payload["historyIndex"])
	}
	if !state.Saving() {
		t.Fatalf("expected a pending save after settings pushes")
	}
}

func TestModuleErrors(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	cases := []struct {
		method, path, body string
		status             int
		code               string
	}{
		{http.MethodGet, "/v1/modules/voice", "", http.StatusNotFound, "module_not_found"},
		{http.MethodPost, "/v1/modules/voice/undo", "", http.StatusNotFound, "module_not_found"},
		{http.MethodPost, "/v1/modules/voice/save", "", http.StatusNotFound, "module_not_found"},
		{http.MethodPost, "/v1/modules/poses/settings", `{"v":`, http.StatusBadRequest, "invalid_settings"},
		{http.MethodPost, "/v1/modules/poses/settings", ``, http.StatusBadRequest, "invalid_request"},
		{http.MethodPost, "/v1/modules/consent/settings", `{}`, http.StatusBadRequest, "reserved_module_id"},
		{http.MethodPost, "/v1/modules/poses/results", `{"shape":"hologram"}`, http.StatusBadRequest, "unsupported_shape"},
		{http.MethodGet, "/v1/history?kind=sculpture", "", http.StatusBadRequest, "invalid_kind"},
		{http.MethodGet, "/v1/flags/theme", "", http.StatusNotFound, "unknown_flag"},
	}
	for _, tc := range cases {
		res, payload := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
		if res.StatusCode != tc.status {
			t.Fatalf("%s %s status = %d, want %d", tc.method, tc.path, res.StatusCode, tc.status)
		}
		if payload["code"] != tc.code {
			t.Fatalf("%s %s code = %v, want %q", tc.method, tc.path, payload["code"], tc.code)
		}
	}
}

func TestResultsFeedHistory(t *testing.T) {
	ts, _, clock := newTestServer(t, false)

	posts := []struct{ module, body string }{
		{"photoshoot", `{"shape":"record","id":"p1","kind":"image","artifact":"https://cdn/1.png","timestamp":100}`},
		{"video", `{"shape":"video","id":300,"url":"https://cdn/v.mp4"}`},
		{"voice", `{"shape":"audio","id":200,"dataUrl":"data:audio/wav;base64,AA=="}`},
	}
	for _, p := range posts {
		res, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/modules/"+p.module+"/results", p.body)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add result status = %d, want %d", res.StatusCode, http.StatusCreated)
		}
	}

	_, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/history", "")
	items, _ := payload["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("history items = %d, want 3", len(items))
	}
	first, _ := items[0].(map[string]any)
	if first["module_id"] != "video" || first["kind"] != "video" {
		t.Fatalf("newest item = %+v, want the video", first)
	}

	_, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/history?kind=audio&limit=5", "")
	if payload["count"] != float64(1) {
		t.Fatalf("audio count = %v, want 1", payload["count"])
	}

	res, _ := doJSON(t, http.MethodDelete, ts.URL+"/v1/modules/video/results/300", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/modules/video/results/300", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/history", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	clock.Advance(time.Second)
	_, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/history", "")
	if payload["count"] != float64(0) {
		t.Fatalf("count after clear = %v, want 0", payload["count"])
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	res, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/flags/consent", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unset flag status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	res, _ = doJSON(t, http.MethodPut, ts.URL+"/v1/flags/consent", `{"accepted":true}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put flag status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	_, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/flags/consent", "")
	value, _ := payload["value"].(map[string]any)
	if value["accepted"] != true {
		t.Fatalf("flag value = %v, want accepted=true", payload["value"])
	}
}

func TestHealthReportsDegradedStore(t *testing.T) {
	ts, _, _ := newTestServer(t, true)

	res, payload := doJSON(t, http.MethodGet, ts.URL+"/healthz", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["degraded"] != true || payload["store_mode"] != "memory" {
		t.Fatalf("unexpected health payload: %+v", payload)
	}

	_, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/perf/autosave", "")
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("missing stages in perf response: %+v", payload)
	}
}

func TestPerfAutosaveReset(t *testing.T) {
	ts, _, clock := newTestServer(t, false)

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/modules/poses/settings", `{"v":1}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("push status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	clock.Advance(time.Second)

	_, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/autosave", "")
	if stages, _ := payload["stages"].([]any); len(stages) == 0 {
		t.Fatalf("expected write stages after a save: %+v", payload)
	}
	res, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/perf/autosave", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	_, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/perf/autosave", "")
	if stages, _ := payload["stages"].([]any); len(stages) != 0 {
		t.Fatalf("stages after reset = %v, want none", stages)
	}
}

func TestAutosaveWebsocketStreamsStatus(t *testing.T) {
	ts, _, clock := newTestServer(t, false)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/autosave/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read initial event: %v", err)
	}
	if ev["type"] != "save_status" || ev["saving"] != false {
		t.Fatalf("initial event = %+v, want idle save_status", ev)
	}

	body := bytes.NewBufferString(`{"v":1}`)
	res, err := http.Post(ts.URL+"/v1/modules/poses/settings", "application/json", body)
	if err != nil {
		t.Fatalf("push settings error = %v", err)
	}
	res.Body.Close()

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read saving event: %v", err)
	}
	if ev["saving"] != true {
		t.Fatalf("event = %+v, want saving=true", ev)
	}

	clock.Advance(time.Second)
	for ev["saving"] == true {
		ev = nil
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read settled event: %v", err)
		}
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	ts, _, _ := newTestServer(t, false)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/autosave/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("expected handshake failure for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}
