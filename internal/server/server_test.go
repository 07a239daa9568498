package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/session"
	transcribemock "github.com/skaldhq/skald/internal/transcribe/mock"
	"github.com/skaldhq/skald/pkg/types"
)

func testConfig() config.Config {
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	cfg.Audio.SoftThreshold = config.Duration(50 * time.Millisecond)
	cfg.Audio.HardThreshold = config.Duration(200 * time.Millisecond)
	cfg.Transcribe.ModelPath = "model.bin"
	return cfg
}

// startServer brings up the full HTTP surface with a mock recognizer and
// gating disabled, so any audio bytes produce transcripts.
func startServer(t *testing.T, rec *transcribemock.Recognizer, opts ...Option) (*httptest.Server, *session.Registry) {
	t.Helper()
	reg := testRegistry(t)
	opts = append([]Option{WithGate(nil)}, opts...)
	s := New(testConfig(), reg, testEngine(rec), opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, reg
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialStream(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/stream/"+id, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// readUntilKind reads events off the connection until one of the wanted
// kind arrives.
func readUntilKind(t *testing.T, conn *websocket.Conn, kind types.EventKind) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", kind, err)
		}
		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateSessionEndpoint(t *testing.T) {
	t.Run("creates a session", func(t *testing.T) {
		srv, reg := startServer(t, &transcribemock.Recognizer{})

		resp := postJSON(t, srv.URL+"/v1/sessions", map[string]string{"caller_id": "caller-7"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}

		var body createSessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.SessionID == "" {
			t.Error("session_id is empty")
		}
		if body.ModelVariant != "standard" {
			t.Errorf("model_variant = %q, want %q", body.ModelVariant, "standard")
		}

		snap, err := reg.Get(body.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.CallerID != "caller-7" {
			t.Errorf("caller id = %q, want %q", snap.CallerID, "caller-7")
		}
		if snap.Attached {
			t.Error("fresh session should have no connection")
		}
		if snap.FinalText != "" || snap.PartialText != "" {
			t.Error("fresh session should have an empty transcript")
		}
	})

	t.Run("missing caller id", func(t *testing.T) {
		srv, _ := startServer(t, &transcribemock.Recognizer{})

		resp := postJSON(t, srv.URL+"/v1/sessions", map[string]string{})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		srv, _ := startServer(t, &transcribemock.Recognizer{})

		resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", strings.NewReader("{nope"))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("entitlement denied", func(t *testing.T) {
		srv, _ := startServer(t, &transcribemock.Recognizer{}, WithEntitlements(denyAll{}))

		resp := postJSON(t, srv.URL+"/v1/sessions", map[string]string{"caller_id": "caller-7"})
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
		}
	})
}

type denyAll struct{}

func (denyAll) Entitle(_ context.Context, _ string) (string, error) {
	return "", errors.New("no entitlement")
}

func TestCapabilitiesEndpoint(t *testing.T) {
	srv, _ := startServer(t, &transcribemock.Recognizer{})

	resp, err := http.Get(srv.URL + "/v1/capabilities")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Device.Device == "" || body.Device.Precision == "" {
		t.Errorf("device = %+v, want populated", body.Device)
	}
	if body.SampleRate != config.DefaultSampleRate {
		t.Errorf("sample_rate = %d, want %d", body.SampleRate, config.DefaultSampleRate)
	}
	if body.VAD.Enabled {
		t.Error("vad should report disabled for this server")
	}
}

func TestStreamUnknownSession(t *testing.T) {
	srv, _ := startServer(t, &transcribemock.Recognizer{})

	conn := dialStream(t, srv, "no-such-session")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ev := readUntilKind(t, conn, types.EventError)
	if !strings.Contains(ev.Message, "unknown session") {
		t.Errorf("error message = %q, want it to name the unknown session", ev.Message)
	}

	// The server closes right after the terminal error.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected the connection to be closed after the terminal error")
	}
}

func TestStreamLifecycle(t *testing.T) {
	rec := &transcribemock.Recognizer{TranscribeText: "hello world", TranscribeConfidence: 0.8}
	srv, reg := startServer(t, rec)

	id := reg.Create("caller-7", "standard")
	conn := dialStream(t, srv, id)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The attach is acknowledged with a status event.
	status := readUntilKind(t, conn, types.EventStatus)
	if !status.Recording {
		t.Error("status after attach should report recording")
	}

	// 100ms of PCM16 at 16kHz crosses the 50ms soft threshold.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 3200)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	ev := readUntilKind(t, conn, types.EventPartial)
	if ev.Text != "hello world" {
		t.Errorf("partial text = %q, want %q", ev.Text, "hello world")
	}
	if ev.Confidence != 0.8 {
		t.Errorf("partial confidence = %v, want 0.8", ev.Confidence)
	}
	if ev.Timestamp.IsZero() {
		t.Error("partial event should carry a timestamp")
	}

	// Closing the stream tears the session down server-side.
	conn.Close(websocket.StatusNormalClosure, "done")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := reg.Get(id); errors.Is(err, session.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session still present after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamQueuedEventsFlushOnAttach(t *testing.T) {
	srv, reg := startServer(t, &transcribemock.Recognizer{})

	id := reg.Create("caller-7", "standard")
	if err := reg.Send(context.Background(), id, types.PartialEvent(types.Transcript{Text: "queued before attach"})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conn := dialStream(t, srv, id)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ev := readUntilKind(t, conn, types.EventPartial)
	if ev.Text != "queued before attach" {
		t.Errorf("flushed text = %q, want %q", ev.Text, "queued before attach")
	}
}

func TestStreamAttachOnce(t *testing.T) {
	srv, reg := startServer(t, &transcribemock.Recognizer{})

	id := reg.Create("caller-7", "standard")
	first := dialStream(t, srv, id)
	defer first.Close(websocket.StatusNormalClosure, "done")
	readUntilKind(t, first, types.EventStatus)

	second := dialStream(t, srv, id)
	defer second.Close(websocket.StatusNormalClosure, "done")

	ev := readUntilKind(t, second, types.EventError)
	if !strings.Contains(ev.Message, "attach rejected") {
		t.Errorf("error message = %q, want attach rejection", ev.Message)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	srv, _ := startServer(t, &transcribemock.Recognizer{})

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("readyz fails without model file", func(t *testing.T) {
		// The test config points at a model file that does not exist and
		// the engine has not been initialised.
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})
}
