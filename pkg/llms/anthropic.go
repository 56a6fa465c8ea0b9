package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/B-A-M-N/amnesic/pkg/config"
	"github.com/B-A-M-N/amnesic/pkg/httpclient"
	"github.com/B-A-M-N/amnesic/pkg/observability"
)

const anthropicVersion = "2023-06-01"

// AnthropicDriver talks to the Anthropic messages API. Anthropic exposes no
// embeddings endpoint, so Embed falls back to the deterministic hash
// embedding; relevance scoring still works, just coarser.
type AnthropicDriver struct {
	cfg        config.DriverConfig
	client     *httpclient.Client
	baseURL    string
	apiKey     string
	lastTokens atomic.Int64
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func NewAnthropicDriver(cfg config.DriverConfig) (*AnthropicDriver, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic driver requires an API key (config api_key or ANTHROPIC_API_KEY)")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &AnthropicDriver{
		cfg:     cfg,
		baseURL: baseURL,
		apiKey:  apiKey,
		client: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (d *AnthropicDriver) ModelName() string {
	return d.cfg.Model
}

func (d *AnthropicDriver) LastTokenCount() int {
	return int(d.lastTokens.Load())
}

func (d *AnthropicDriver) Close() error {
	return nil
}

func (d *AnthropicDriver) Embed(_ context.Context, text string) ([]float32, error) {
	return HashEmbedding(text), nil
}

func (d *AnthropicDriver) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	return d.message(ctx, d.structuredSystem(req), req.User, nil)
}

func (d *AnthropicDriver) GenerateStructuredStreaming(ctx context.Context, req StructuredRequest, onToken func(string)) (string, error) {
	return d.message(ctx, d.structuredSystem(req), req.User, onToken)
}

func (d *AnthropicDriver) GenerateRaw(ctx context.Context, prompt, system string) (string, error) {
	return d.message(ctx, system, prompt, nil)
}

func (d *AnthropicDriver) structuredSystem(req StructuredRequest) string {
	system := req.System
	if req.SchemaDescription != "" {
		system += "\n\nRespond with a single JSON object conforming to this schema:\n" + req.SchemaDescription
	}
	return system
}

func (d *AnthropicDriver) message(ctx context.Context, system, user string, onToken func(string)) (string, error) {
	start := time.Now()
	tracer := observability.GetTracer("amnesic.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, d.cfg.Model),
			attribute.String(observability.AttrLLMProvider, "anthropic"),
			attribute.Bool("streaming", onToken != nil),
		),
	)
	defer span.End()

	maxTokens := d.cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	request := anthropicRequest{
		Model:       d.cfg.Model,
		System:      system,
		Messages:    []anthropicMessage{{Role: "user", Content: user}},
		MaxTokens:   maxTokens,
		Temperature: d.cfg.Temperature,
		Stream:      onToken != nil,
	}

	var text string
	var err error
	if onToken != nil {
		text, err = d.streamMessage(ctx, request, onToken)
	} else {
		text, err = d.blockingMessage(ctx, request)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, d.cfg.Model, time.Since(start), d.LastTokenCount(), err)
	return text, err
}

func (d *AnthropicDriver) blockingMessage(ctx context.Context, request anthropicRequest) (string, error) {
	body, err := d.post(ctx, "/messages", request)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode anthropic response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("anthropic error: %s", resp.Error.Message)
	}

	d.lastTokens.Store(int64(resp.Usage.InputTokens + resp.Usage.OutputTokens))

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func (d *AnthropicDriver) streamMessage(ctx context.Context, request anthropicRequest, onToken func(string)) (string, error) {
	resp, err := d.postStream(ctx, "/messages", request)
	if err != nil {
		return "", fmt.Errorf("anthropic streaming request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				full.WriteString(event.Delta.Text)
				onToken(event.Delta.Text)
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				d.lastTokens.Store(int64(event.Usage.OutputTokens))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("anthropic stream read failed: %w", err)
	}
	return full.String(), nil
}

func (d *AnthropicDriver) post(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := d.postStream(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (d *AnthropicDriver) postStream(ctx context.Context, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}

	return d.client.Do(req)
}
