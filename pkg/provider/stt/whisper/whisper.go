// Package whisper transcribes caller utterances with a whisper.cpp server.
//
// whisper-server's POST /inference takes one WAV upload and answers with the
// whole transcript, so every utterance delimited by voice-activity detection
// costs one request and yields at most one final transcript:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// DefaultMinDuration is the shortest utterance sent to the server.
const DefaultMinDuration = 100 * time.Millisecond

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel names the model the server should use (e.g. "base.en"). Empty
// keeps the one the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language for utterances that carry none. Defaults
// to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMinDuration drops utterances shorter than d without a request. Whisper
// tends to invent words for clicks and breaths.
func WithMinDuration(d time.Duration) Option {
	return func(p *Provider) { p.minDuration = d }
}

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider.
type Provider struct {
	endpoint    string
	model       string
	language    string
	minDuration time.Duration
	client      *http.Client
}

// New returns a Provider for the whisper.cpp server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		endpoint:    strings.TrimRight(serverURL, "/") + "/inference",
		language:    "en",
		minDuration: DefaultMinDuration,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider. The request runs in the background and
// its outcome is the only value on the returned channel. Utterances below the
// minimum duration produce a closed, empty channel.
func (p *Provider) Transcribe(ctx context.Context, u stt.Utterance) (<-chan stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if u.SampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", u.SampleRate)
	}
	u.Channels = max(u.Channels, 1)
	if u.Language == "" {
		u.Language = p.language
	}

	ch := make(chan stt.Transcript, 1)
	if u.Duration() < p.minDuration {
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		text, err := p.infer(ctx, u)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			ch <- stt.Transcript{Err: err}
		default:
			ch <- stt.Transcript{Text: text, IsFinal: true}
		}
	}()
	return ch, nil
}

func (p *Provider) infer(ctx context.Context, u stt.Utterance) (string, error) {
	body, contentType, err := p.form(u)
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse response: %w", err)
	}
	return clean(result.Text), nil
}

// form encodes the utterance as the multipart upload /inference expects.
func (p *Provider) form(u stt.Utterance) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(audio.EncodeWAV(u.Audio, u.SampleRate, u.Channels)); err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"language", u.Language},
		{"model", p.model},
		{"response_format", "json"},
		{"temperature", "0"},
		{"no_timestamps", "true"},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// annotation matches the non-speech markers whisper emits, such as
// "[BLANK_AUDIO]" or "(coughs)".
var annotation = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// clean strips annotations and collapses whitespace. A transcript of only
// markers becomes empty.
func clean(text string) string {
	return strings.Join(strings.Fields(annotation.ReplaceAllString(text, " ")), " ")
}
