package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// fakeServer records text messages and answers with the given PCM pieces
// after the end-of-input marker.
type fakeServer struct {
	mu     sync.Mutex
	texts  []textMessage
	path   string
	query  url.Values
	pieces [][]byte
	errMsg string
}

func (f *fakeServer) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.path, f.query = r.URL.Path, r.URL.Query()
	f.mu.Unlock()
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var m textMessage
		_ = json.Unmarshal(data, &m)
		f.mu.Lock()
		f.texts = append(f.texts, m)
		f.mu.Unlock()
		if m.Text == "" {
			break
		}
	}
	if f.errMsg != "" {
		_ = c.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf(`{"error":%q}`, f.errMsg)))
		return
	}
	for _, p := range f.pieces {
		msg := fmt.Sprintf(`{"audio":%q}`, base64.StdEncoding.EncodeToString(p))
		_ = c.Write(ctx, websocket.MessageText, []byte(msg))
	}
	_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
	c.Close(websocket.StatusNormalClosure, "")
}

func newFake(t *testing.T, f *fakeServer) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1"
}

func TestSynthesize_RelaysPCM(t *testing.T) {
	f := &fakeServer{pieces: [][]byte{{1, 2, 3, 4}, {5, 6}}}
	p, err := New("xi-key", WithEndpoint(newFake(t, f)), WithVoice("rachel"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello there."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if resp.Container.HasHeader() {
		t.Error("PCM output must not declare a header")
	}
	if resp.Format.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", resp.Format.SampleRate)
	}
	var got []byte
	for c := range resp.Audio {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		got = append(got, c.Data...)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("audio = %v", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/text-to-speech/rachel/stream-input" {
		t.Errorf("path = %q", f.path)
	}
	if f.query.Get("output_format") != "pcm_24000" || f.query.Get("model_id") != defaultModel {
		t.Errorf("query = %v", f.query)
	}
	if len(f.texts) != 3 {
		t.Fatalf("server got %d messages, want 3", len(f.texts))
	}
	if f.texts[0].Text != " " || f.texts[0].XiAPIKey != "xi-key" || f.texts[0].VoiceSettings == nil {
		t.Errorf("first message = %+v", f.texts[0])
	}
	if f.texts[1].Text != "Hello there. " {
		t.Errorf("text message = %q", f.texts[1].Text)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	f := &fakeServer{errMsg: "quota exceeded"}
	p, _ := New("xi-key", WithEndpoint(newFake(t, f)))
	resp, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi.", Voice: tts.VoiceProfile{ID: "v"}})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	var streamErr error
	for c := range resp.Audio {
		if c.Err != nil {
			streamErr = c.Err
		}
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "quota exceeded") {
		t.Errorf("stream error = %v, want body text", streamErr)
	}
}

func TestSynthesize_RequiresVoice(t *testing.T) {
	p, _ := New("xi-key")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi."}); err == nil {
		t.Fatal("expected error without voice")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output")
	}
	p, err := New("k", WithOutputFormat("pcm_16000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.sampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", p.sampleRate)
	}
}

func TestBuildURL_EscapesVoice(t *testing.T) {
	p, _ := New("k")
	got := p.buildURL("a/b")
	if !strings.Contains(got, "/text-to-speech/a%2Fb/stream-input?") {
		t.Errorf("url = %q", got)
	}
}
