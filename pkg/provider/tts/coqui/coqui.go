// Package coqui provides a TTS provider for a locally running Coqui TTS
// server. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is a GET /api/tts with URL query
//     parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is a POST
//     /tts_to_audio/ with a JSON body naming a studio speaker.
//
// Both answer with a WAV file. The provider inspects the RIFF header to learn
// the sample format and the exact header length, then relays the body
// unchanged so the pipeline strips the header.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	resp, err := p.Synthesize(ctx, tts.Request{Text: "Hello.", Voice: voice})
package coqui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050
	ttsEndpoint       = "/tts_to_audio/"
	apiTTSEndpoint    = "/api/tts"

	// maxHeaderPeek bounds how far into the body the data chunk is searched.
	maxHeaderPeek = 4096

	readChunkBytes = 4096
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("coqui: empty text")
	}
	if req.Voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}

	httpReq, err := p.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, httpReq.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("TTS error: %s", strings.TrimSpace(string(body)))
	}

	br := bufio.NewReaderSize(resp.Body, maxHeaderPeek)
	format, container := sniffContainer(br)
	return &tts.Response{
		Format:    format,
		Container: container,
		Audio:     relay(ctx, br, resp.Body),
	}, nil
}

func (p *Provider) newRequest(ctx context.Context, req tts.Request) (*http.Request, error) {
	if p.apiMode == APIModeXTTS {
		data, err := json.Marshal(ttsRequest{Text: req.Text, SpeakerWav: req.Voice.ID, Language: p.language})
		if err != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("coqui: create tts request: %w", err)
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "audio/wav")
		return r, nil
	}

	params := url.Values{}
	params.Set("text", req.Text)
	if req.Voice.ID != "" {
		params.Set("speaker_id", req.Voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	r.Header.Set("Accept", "audio/wav")
	return r, nil
}

// sniffContainer peeks at the start of the body. A RIFF body yields its
// declared format and a container whose header spans up to the data chunk;
// one whose chunks cannot be walked is taken as a canonical WAV at the
// default rate. Anything else is treated as raw PCM at the default rate.
func sniffContainer(br *bufio.Reader) (audio.Format, tts.Container) {
	def := audio.Format{SampleRate: defaultSampleRate, Channels: 1}
	var head []byte
	for n := audio.WAVHeaderSize; n <= maxHeaderPeek; n *= 2 {
		var err error
		head, err = br.Peek(n)
		f, off, serr := audio.ScanWAV(head)
		if serr == nil {
			return f, tts.Container{Name: "wav", HeaderSize: off, Magic: audio.RIFFMagic}
		}
		if err != nil || !errors.Is(serr, audio.ErrShortWAV) {
			break
		}
	}
	if bytes.HasPrefix(head, audio.RIFFMagic) {
		return def, tts.ContainerWAV
	}
	return def, tts.ContainerRaw
}

// relay forwards r as chunks and closes body when done.
func relay(ctx context.Context, r io.Reader, body io.Closer) <-chan tts.Chunk {
	ch := make(chan tts.Chunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()
		for {
			buf := make([]byte, readChunkBytes)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case ch <- tts.Chunk{Data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					select {
					case ch <- tts.Chunk{Err: fmt.Errorf("coqui: read body: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return ch
}
