package twilio_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/transport"
	"github.com/MrWong99/voxline/pkg/transport/twilio"
)

type msg = map[string]any

// serve starts a websocket server that accepts one Twilio stream and hands
// it to the test through the returned channel. The returned client plays
// the Twilio side.
func serve(t *testing.T, opts ...twilio.Option) (*websocket.Conn, <-chan *twilio.Conn, <-chan error) {
	t.Helper()
	conns := make(chan *twilio.Conn, 1)
	errs := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := twilio.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			errs <- err
			return
		}
		c, err := twilio.Accept(r.Context(), ws, opts...)
		if err != nil {
			errs <- err
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, conns, errs
}

func startStream(t *testing.T, client *websocket.Conn) {
	t.Helper()
	for _, m := range []msg{
		{"event": "connected", "protocol": "Call", "version": "1.0.0"},
		{"event": "start", "sequenceNumber": "1", "streamSid": "MZ123", "start": msg{
			"streamSid":        "MZ123",
			"callSid":          "CA456",
			"tracks":           []string{"inbound"},
			"customParameters": msg{"caller": "+15550100"},
			"mediaFormat":      msg{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		}},
	} {
		if err := client.WriteJSON(m); err != nil {
			t.Fatalf("write %v: %v", m["event"], err)
		}
	}
}

func accepted(t *testing.T, conns <-chan *twilio.Conn, errs <-chan error) *twilio.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case err := <-errs:
		t.Fatalf("Accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return")
	}
	return nil
}

func TestAccept_Handshake(t *testing.T) {
	t.Parallel()
	client, conns, errs := serve(t)
	startStream(t, client)
	c := accepted(t, conns, errs)

	if c.ID() != "MZ123" {
		t.Errorf("ID = %q, want MZ123", c.ID())
	}
	if c.CallSID() != "CA456" {
		t.Errorf("CallSID = %q, want CA456", c.CallSID())
	}
	if got := c.Parameters()["caller"]; got != "+15550100" {
		t.Errorf("caller parameter = %q", got)
	}
}

func TestAccept_RejectsUnexpectedEvent(t *testing.T) {
	t.Parallel()
	client, _, errs := serve(t)
	if err := client.WriteJSON(msg{"event": "media", "media": msg{"payload": ""}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-errs:
		if err == nil || !strings.Contains(err.Error(), "before start") {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not fail")
	}
}

func TestConn_InboundMediaIsDecodedAndResampled(t *testing.T) {
	t.Parallel()
	client, conns, errs := serve(t, twilio.WithSampleRate(16000))
	startStream(t, client)
	c := accepted(t, conns, errs)

	// 20 ms of mu-law silence at 8 kHz.
	payload := base64.StdEncoding.EncodeToString(audio.EncodeUlaw(make([]byte, 320)))
	if err := client.WriteJSON(msg{"event": "media", "streamSid": "MZ123", "media": msg{"track": "inbound", "payload": payload}}); err != nil {
		t.Fatalf("write media: %v", err)
	}

	select {
	case f := <-c.Inbound():
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("format = %v", f.Format())
		}
		if len(f.Data) != 640 {
			t.Errorf("len(Data) = %d, want 640", len(f.Data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound frame")
	}
}

func TestConn_StopClosesInbound(t *testing.T) {
	t.Parallel()
	client, conns, errs := serve(t)
	startStream(t, client)
	c := accepted(t, conns, errs)

	if err := client.WriteJSON(msg{"event": "stop", "streamSid": "MZ123", "stop": msg{"callSid": "CA456"}}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	select {
	case _, ok := <-c.Inbound():
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound not closed")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after clean stop = %v, want nil", err)
	}
}

func TestConn_SendClearMark(t *testing.T) {
	t.Parallel()
	client, conns, errs := serve(t)
	startStream(t, client)
	c := accepted(t, conns, errs)
	ctx := context.Background()

	// 10 ms at 24 kHz becomes 80 mu-law bytes at 8 kHz.
	if err := c.Send(ctx, audio.AudioFrame{Data: make([]byte, 480), SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Mark(ctx, "reply-1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	var got []msg
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for range 3 {
		var m msg
		if err := client.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, m)
	}
	want := []string{"media", "mark", "clear"}
	for i, m := range got {
		if m["event"] != want[i] {
			t.Errorf("event %d = %v, want %s", i, m["event"], want[i])
		}
		if m["streamSid"] != "MZ123" {
			t.Errorf("event %d streamSid = %v", i, m["streamSid"])
		}
	}
	payload, _ := got[0]["media"].(map[string]any)["payload"].(string)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(raw) != 80 {
		t.Errorf("mu-law bytes = %d, want 80", len(raw))
	}
	if c.PendingMarks() != 1 {
		t.Errorf("PendingMarks = %d, want 1", c.PendingMarks())
	}

	if err := client.WriteJSON(msg{"event": "mark", "streamSid": "MZ123", "mark": msg{"name": "reply-1"}}); err != nil {
		t.Fatalf("write mark: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for c.PendingMarks() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.PendingMarks() != 0 {
		t.Errorf("PendingMarks after ack = %d, want 0", c.PendingMarks())
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	t.Parallel()
	client, conns, errs := serve(t)
	startStream(t, client)
	c := accepted(t, conns, errs)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	err := c.Send(context.Background(), audio.AudioFrame{Data: make([]byte, 320), SampleRate: 8000, Channels: 1})
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestConn_ReadFailureSetsErr(t *testing.T) {
	t.Parallel()
	client, conns, errs := serve(t)
	startStream(t, client)
	c := accepted(t, conns, errs)

	// Drop the TCP connection without a close frame.
	_ = client.UnderlyingConn().Close()

	select {
	case <-c.Inbound():
	case <-time.After(5 * time.Second):
		t.Fatal("inbound not closed")
	}
	if c.Err() == nil {
		t.Fatal("Err = nil after abnormal disconnect")
	}
}
