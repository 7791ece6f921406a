// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. Each utterance opens one stream, sends the audio,
// asks Deepgram to finalize and forwards interim and final results as they
// arrive.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// writeChunkBytes bounds a single binary message; Deepgram recommends
	// 20-250 ms per message.
	writeChunkBytes = 8000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code used when the utterance has none.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeyterms boosts recognition of terms the caller is likely to say, such
// as product or business names. Deepgram honours them for nova-3 models.
func WithKeyterms(terms ...string) Option {
	return func(p *Provider) {
		p.keyterms = append(p.keyterms, terms...)
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
	keyterms []string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, u stt.Utterance) (<-chan stt.Transcript, error) {
	wsURL, err := p.buildURL(u)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	ch := make(chan stt.Transcript, 16)
	go func() {
		defer close(ch)
		defer conn.CloseNow()

		writeErr := make(chan error, 1)
		go func() { writeErr <- writeUtterance(ctx, conn, u.Audio) }()

		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				if werr := <-writeErr; werr != nil {
					err = werr
				}
				ch <- stt.Transcript{Err: fmt.Errorf("deepgram: read: %w", err)}
				return
			}
			t, done, ok := parseDeepgramResponse(msg)
			if done {
				conn.Close(websocket.StatusNormalClosure, "utterance complete")
				return
			}
			if !ok {
				continue
			}
			select {
			case ch <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// writeUtterance streams audio in bounded messages and asks Deepgram to flush
// and close.
func writeUtterance(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for len(pcm) > 0 {
		n := min(len(pcm), writeChunkBytes)
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
		pcm = pcm[n:]
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// buildURL returns the streaming URL for u. Audio is always linear16; the
// utterance's language wins over the configured one.
func (p *Provider) buildURL(u stt.Utterance) (string, error) {
	if u.SampleRate <= 0 {
		return "", fmt.Errorf("invalid sample rate %d", u.SampleRate)
	}
	base, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := base.Query()
	for k, v := range map[string]string{
		"model":           p.model,
		"language":        cmp.Or(u.Language, p.language),
		"encoding":        "linear16",
		"sample_rate":     strconv.Itoa(u.SampleRate),
		"channels":        strconv.Itoa(max(u.Channels, 1)),
		"punctuate":       "true",
		"smart_format":    "true",
		"interim_results": "true",
	} {
		q.Set(k, v)
	}
	for _, t := range p.keyterms {
		q.Add("keyterm", t)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// deepgramResponse is the JSON structure Deepgram sends on the stream.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse parses one stream message. done reports the Metadata
// message Deepgram sends after the final result; ok is false for messages
// that carry no transcript.
func parseDeepgramResponse(data []byte) (t stt.Transcript, done, ok bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false, false
	}
	switch resp.Type {
	case "Metadata":
		return stt.Transcript{}, true, false
	case "Results":
	default:
		return stt.Transcript{}, false, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false, false
	}
	alt := resp.Channel.Alternatives[0]
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, false, true
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
