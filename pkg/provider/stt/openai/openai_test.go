package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

func TestTranscribe_UploadsWAV(t *testing.T) {
	var gotModel, gotLang, gotName string
	var header []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		f, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		gotName = fh.Filename
		header, _ = io.ReadAll(io.LimitReader(f, audio.WAVHeaderSize))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" Hi, I need a table for two. "}`)
	}))
	defer srv.Close()

	p, err := New("", WithBaseURL(srv.URL+"/v1/"), WithModel("Systran/faster-whisper-small"), WithLanguage("en"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.Transcribe(context.Background(), stt.Utterance{Audio: make([]byte, 3200), SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	var got []stt.Transcript
	for tr := range ch {
		got = append(got, tr)
	}
	if len(got) != 1 || got[0].Err != nil {
		t.Fatalf("got %+v, want one transcript", got)
	}
	if got[0].Text != "Hi, I need a table for two." || !got[0].IsFinal {
		t.Errorf("transcript = %+v", got[0])
	}
	if gotModel != "Systran/faster-whisper-small" || gotLang != "en" {
		t.Errorf("model=%q language=%q", gotModel, gotLang)
	}
	if gotName != "utterance.wav" {
		t.Errorf("filename = %q, want utterance.wav", gotName)
	}
	f, err := audio.ParseWAVHeader(header)
	if err != nil {
		t.Fatalf("upload is not WAV: %v", err)
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("wav format = %v", f)
	}
}

func TestTranscribe_ErrorIsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New("", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	ch, err := p.Transcribe(context.Background(), stt.Utterance{Audio: make([]byte, 320), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	tr, ok := <-ch
	if !ok || tr.Err == nil {
		t.Fatalf("got %+v, want error transcript", tr)
	}
	if _, open := <-ch; open {
		t.Error("channel should close after the error")
	}
}

func TestNew_RequiresKeyOrBaseURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error without key and base URL")
	}
	if _, err := New("sk-test"); err != nil {
		t.Fatalf("New with key: %v", err)
	}
}
