// Package openai generates the agent's replies through an OpenAI-compatible
// chat-completions endpoint: OpenAI itself or a self-hosted vLLM, llama.cpp
// or Ollama server.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/pkoukk/tiktoken-go"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// fallbackEncoding is used when tiktoken does not know the model.
const fallbackEncoding = "cl100k_base"

// maxCachedCounts bounds the token count cache. History turns are counted
// again on every reply, so a call's whole history normally fits.
const maxCachedCounts = 4096

type encoder interface {
	EncodeOrdinary(text string) []int
}

// chunkStream is the part of the SDK's streaming response the reader uses.
type chunkStream interface {
	Next() bool
	Current() oai.ChatCompletionChunk
	Err() error
	Close() error
}

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider on the chat-completions API.
type Provider struct {
	client oai.Client
	model  string

	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	loadEnc      func(model string) (encoder, error)

	encOnce sync.Once
	enc     encoder

	mu     sync.Mutex
	counts map[string]int
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL points the provider at a self-hosted endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(p *Provider) { p.organization = org }
}

// WithTimeout bounds every HTTP request, including the whole stream.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a request that failed before
// streaming began. Negative keeps the SDK default.
func WithMaxRetries(n int) Option {
	return func(p *Provider) { p.maxRetries = n }
}

// withEncoderLoader replaces the tiktoken loader so tests stay offline.
func withEncoderLoader(fn func(model string) (encoder, error)) Option {
	return func(p *Provider) { p.loadEnc = fn }
}

// New returns a Provider for model. Self-hosted endpoints usually ignore
// authentication, so apiKey may be empty when a base URL is given.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	p := &Provider{
		model:      model,
		maxRetries: -1,
		loadEnc:    loadTiktoken,
		counts:     make(map[string]int),
	}
	for _, o := range opts {
		o(p)
	}
	switch {
	case apiKey != "":
	case p.baseURL != "":
		apiKey = "not-needed"
	default:
		return nil, errors.New("openai: apiKey must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(p.organization))
	}
	if p.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: p.timeout}))
	}
	if p.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(p.maxRetries))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// StreamCompletion implements llm.Provider. A request the endpoint rejects
// outright is returned as an error so that failover can try the next one.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}
	ch := make(chan llm.Chunk, 32)
	go relay(ctx, stream, ch)
	return ch, nil
}

// relay forwards text deltas and the finish reason from stream to ch and
// closes both when done.
func relay(ctx context.Context, stream chunkStream, ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()
	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for stream.Next() {
		cur := stream.Current()
		if len(cur.Choices) == 0 {
			continue
		}
		c := cur.Choices[0]
		if c.Delta.Content == "" && c.FinishReason == "" {
			continue
		}
		if !send(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{FinishReason: "error", Err: fmt.Errorf("openai: stream: %w", err)})
	}
}

// CountTokens implements llm.Provider with the model's tiktoken encoding,
// or llm.EstimateTokens when none can be loaded. Counts per message text are
// cached.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.encOnce.Do(func() {
		enc, err := p.loadEnc(p.model)
		if err != nil {
			slog.Warn("openai: tiktoken unavailable, estimating tokens", "model", p.model, "err", err)
			return
		}
		p.enc = enc
	})
	if p.enc == nil {
		return llm.EstimateTokens(messages), nil
	}

	// Chat framing: 3 tokens per message plus 3 priming the reply.
	total := 3
	for _, m := range messages {
		total += 3 + p.count(m.Role) + p.count(m.Content)
	}
	return total, nil
}

func (p *Provider) count(text string) int {
	p.mu.Lock()
	n, ok := p.counts[text]
	p.mu.Unlock()
	if ok {
		return n
	}
	n = len(p.enc.EncodeOrdinary(text))
	p.mu.Lock()
	if len(p.counts) >= maxCachedCounts {
		clear(p.counts)
	}
	p.counts[text] = n
	p.mu.Unlock()
	return n
}

func loadTiktoken(model string) (encoder, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("no messages")
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		params.Messages = append(params.Messages, msg)
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
