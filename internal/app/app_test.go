package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voxline/pkg/provider/vad/mock"
)

type msg = map[string]any

// testConfig returns a defaulted config allowing one call.
func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "whisper"},
			LLM: config.ProviderEntry{Name: "openai"},
			TTS: config.ProviderEntry{Name: "coqui"},
		},
		Agent: config.AgentConfig{SystemPrompt: "You are a friendly phone agent."},
	}
	config.ApplyDefaults(cfg)
	cfg.Limits.MaxCalls = 1
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		VAD: &vadmock.Engine{},
		STT: &sttmock.Provider{Transcripts: []stt.Transcript{{Text: "hello", IsFinal: true}}},
		LLM: &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Hi, how can I help?"}, {FinishReason: "stop"}}},
		// 100 ms of 24 kHz PCM per request.
		TTS: &ttsmock.Provider{Chunks: [][]byte{make([]byte, 4800)}},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *transcript.MemStore) {
	t.Helper()
	store := transcript.NewMemStore()
	opts = append([]app.Option{
		app.WithTranscriptStore(store),
		app.WithMetrics(testMetrics(t)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, store
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// dialCall connects to the media endpoint and performs the Twilio
// handshake.
func dialCall(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	for _, m := range []msg{
		{"event": "connected", "protocol": "Call", "version": "1.0.0"},
		{"event": "start", "sequenceNumber": "1", "streamSid": "MZ1", "start": msg{
			"streamSid":   "MZ1",
			"callSid":     "CA1",
			"tracks":      []string{"inbound"},
			"mediaFormat": msg{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		}},
	} {
		if err := client.WriteJSON(m); err != nil {
			t.Fatalf("write %v: %v", m["event"], err)
		}
	}
	return client
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	ps := testProviders()
	ps.TTS = nil
	if _, err := app.New(context.Background(), testConfig(), ps); err == nil {
		t.Fatal("New() succeeded without a tts provider")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("New() succeeded without providers")
	}
}

func TestNew_FileRecordingStore(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Recording.Enabled = true
	cfg.Recording.Dir = t.TempDir()
	newApp(t, cfg)
}

func TestHandler_OperationalEndpoints(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := get(t, srv.URL+tt.path); got != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, got, tt.want)
			}
		})
	}
}

func TestMedia_CallRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	a, store := newApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	client := dialCall(t, srv, cfg.Server.MediaPath)
	eventually(t, "session", func() bool { return a.Manager().Active() == 1 })

	// The agent speaks first; its audio arrives as Twilio media events.
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if ev.Event == "media" {
			if ev.StreamSID != "MZ1" || ev.Media.Payload == "" {
				t.Errorf("media event = %+v", ev)
			}
			break
		}
	}

	if err := client.WriteJSON(msg{"event": "stop", "streamSid": "MZ1", "stop": msg{"callSid": "CA1"}}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	eventually(t, "session end", func() bool { return a.Manager().Active() == 0 })
	eventually(t, "transcript saved", func() bool { return store.Len() == 1 })
}

func TestCalls_ListAndEnd(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	a, _ := newApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/calls")
	if err != nil {
		t.Fatalf("GET /calls: %v", err)
	}
	var infos []call.Info
	err = json.NewDecoder(resp.Body).Decode(&infos)
	_ = resp.Body.Close()
	if err != nil || len(infos) != 0 {
		t.Fatalf("idle calls = %+v, %v", infos, err)
	}

	dialCall(t, srv, cfg.Server.MediaPath)
	eventually(t, "session", func() bool { return a.Manager().Active() == 1 })

	resp, err = http.Get(srv.URL + "/calls")
	if err != nil {
		t.Fatalf("GET /calls: %v", err)
	}
	err = json.NewDecoder(resp.Body).Decode(&infos)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID == "" || infos[0].ConnID != "MZ1" {
		t.Fatalf("calls = %+v", infos)
	}

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"unknown call", "nope", http.StatusNotFound},
		{"running call", infos[0].SessionID, http.StatusAccepted},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/calls/"+tt.id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: DELETE: %v", tt.name, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s: DELETE = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
	eventually(t, "call ended", func() bool { return a.Manager().Active() == 0 })
}

func TestMedia_AtCapacity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	a, _ := newApp(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	dialCall(t, srv, cfg.Server.MediaPath)
	eventually(t, "session", func() bool { return a.Manager().Active() == 1 })

	if got := get(t, srv.URL+cfg.Server.MediaPath); got != http.StatusServiceUnavailable {
		t.Errorf("media at capacity = %d, want 503", got)
	}
	if got := get(t, srv.URL+"/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("readyz at capacity = %d, want 503", got)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	a, _ := newApp(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	eventually(t, "server up", func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	client, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+cfg.Server.MediaPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.WriteJSON(msg{"event": "start", "streamSid": "MZ2", "start": msg{"streamSid": "MZ2", "callSid": "CA2"}}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	eventually(t, "session", func() bool { return a.Manager().Active() == 1 })

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if n := a.Manager().Active(); n != 0 {
		t.Errorf("Active after Shutdown = %d", n)
	}
	if a.Manager().Available() {
		t.Error("manager accepts calls after Shutdown")
	}
	// Second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
