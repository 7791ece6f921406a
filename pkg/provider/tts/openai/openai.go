// Package openai provides a TTS provider for OpenAI-compatible
// /v1/audio/speech endpoints. Self-hosted servers (IndexTTS, Kokoro-FastAPI,
// openedai-speech) accept the same request and stream the body while it is
// synthesized, usually as a WAV file.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

const (
	defaultModel      = "tts-1"
	defaultVoice      = "alloy"
	defaultSampleRate = 24000

	// readChunkBytes is the read size used while relaying the response body.
	readChunkBytes = 4096

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// StatusError is returned when the endpoint answers with a non-success
// status. Its message carries the endpoint's error body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "TTS error: " + e.Body
}

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client     oai.Client
	model      string
	voice      string
	format     string
	sampleRate int
	extra      map[string]any
}

type config struct {
	baseURL    string
	model      string
	voice      string
	format     string
	sampleRate int
	timeout    time.Duration
	extra      map[string]any
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the provider at a self-hosted server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the speech model. Defaults to "tts-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the voice used when a request names none.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithFormat selects the response format: "wav" (default) or "pcm".
func WithFormat(format string) Option {
	return func(c *config) { c.format = format }
}

// WithSampleRate sets the sample rate requested when a request names none.
// Defaults to 24000.
func WithSampleRate(rate int) Option {
	return func(c *config) { c.sampleRate = rate }
}

// WithTimeout sets the HTTP client timeout. It covers the whole streamed
// body, so keep it above the longest expected reply.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithExtraBody adds fields to every request body. Self-hosted servers use
// these for options outside the OpenAI schema (e.g., "stream", "gain").
func WithExtraBody(fields map[string]any) Option {
	return func(c *config) {
		for k, v := range fields {
			c.extra[k] = v
		}
	}
}

// New constructs a Provider. apiKey may be empty when a base URL is set.
func New(apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{
		model:      defaultModel,
		voice:      defaultVoice,
		format:     "wav",
		sampleRate: defaultSampleRate,
		extra:      map[string]any{},
	}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if apiKey == "" {
		apiKey = "not-needed"
	}
	switch cfg.format {
	case "wav", "pcm":
	default:
		return nil, fmt.Errorf("openai tts: unsupported format %q (want wav or pcm)", cfg.format)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// A retried synthesis would arrive too late to be useful on a call.
		option.WithMaxRetries(0),
		option.WithMiddleware(statusMiddleware),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      cfg.model,
		voice:      cfg.voice,
		format:     cfg.format,
		sampleRate: cfg.sampleRate,
		extra:      cfg.extra,
	}, nil
}

// statusMiddleware turns error responses into *StatusError with the body
// text intact, including bodies that are not JSON.
func statusMiddleware(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	if err != nil || resp.StatusCode < 400 {
		return resp, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return nil, &StatusError{StatusCode: resp.StatusCode, Body: text}
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("openai tts: empty text")
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = p.voice
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}

	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(p.format),
	}
	if req.Voice.SpeedFactor > 0 && req.Voice.SpeedFactor != 1 {
		params.Speed = oai.Float(req.Voice.SpeedFactor)
	}

	opts := []option.RequestOption{option.WithJSONSet("sample_rate", rate)}
	for k, v := range p.extra {
		opts = append(opts, option.WithJSONSet(k, v))
	}

	resp, err := p.client.Audio.Speech.New(ctx, params, opts...)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, fmt.Errorf("openai tts: request: %w", err)
	}

	container := tts.ContainerRaw
	if p.format == "wav" {
		container = tts.ContainerWAV
	}
	return &tts.Response{
		Format:    audio.Format{SampleRate: rate, Channels: 1},
		Container: container,
		Audio:     relayBody(ctx, resp.Body),
	}, nil
}

// relayBody forwards body reads as chunks until EOF, a read error or
// cancellation, then closes body.
func relayBody(ctx context.Context, body io.ReadCloser) <-chan tts.Chunk {
	ch := make(chan tts.Chunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()
		for {
			buf := make([]byte, readChunkBytes)
			n, err := body.Read(buf)
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
					case ch <- tts.Chunk{Err: fmt.Errorf("openai tts: read body: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return ch
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
