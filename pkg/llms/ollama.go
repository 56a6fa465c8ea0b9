package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

// OllamaDriver talks to a local Ollama server over its native chat and
// embeddings endpoints.
type OllamaDriver struct {
	cfg        config.DriverConfig
	client     *httpclient.Client
	baseURL    string
	lastTokens atomic.Int64
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllamaDriver(cfg config.DriverConfig) (*OllamaDriver, error) {
	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "nomic-embed-text"
	}

	return &OllamaDriver{
		cfg:     cfg,
		baseURL: baseURL,
		client: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (d *OllamaDriver) ModelName() string {
	return d.cfg.Model
}

func (d *OllamaDriver) LastTokenCount() int {
	return int(d.lastTokens.Load())
}

func (d *OllamaDriver) Close() error {
	return nil
}

func (d *OllamaDriver) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := d.post(ctx, "/api/embeddings", ollamaEmbedRequest{
		Model:  d.cfg.EmbedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", err)
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode ollama embedding: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding for model %s", d.cfg.EmbedModel)
	}
	return resp.Embedding, nil
}

func (d *OllamaDriver) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	return d.chat(ctx, d.structuredMessages(req), "json", nil)
}

func (d *OllamaDriver) GenerateStructuredStreaming(ctx context.Context, req StructuredRequest, onToken func(string)) (string, error) {
	return d.chat(ctx, d.structuredMessages(req), "json", onToken)
}

func (d *OllamaDriver) GenerateRaw(ctx context.Context, prompt, system string) (string, error) {
	messages := []ollamaMessage{}
	if system != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: system})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: prompt})
	return d.chat(ctx, messages, "", nil)
}

func (d *OllamaDriver) structuredMessages(req StructuredRequest) []ollamaMessage {
	system := req.System
	if req.SchemaDescription != "" {
		system += "\n\nRespond with a single JSON object conforming to this schema:\n" + req.SchemaDescription
	}
	return []ollamaMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: req.User},
	}
}

func (d *OllamaDriver) chat(ctx context.Context, messages []ollamaMessage, format string, onToken func(string)) (string, error) {
	start := time.Now()
	tracer := observability.GetTracer("amnesic.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, d.cfg.Model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
			attribute.Bool("streaming", onToken != nil),
		),
	)
	defer span.End()

	request := ollamaChatRequest{
		Model:    d.cfg.Model,
		Messages: messages,
		Stream:   onToken != nil,
		Format:   format,
	}
	if d.cfg.Temperature > 0 || d.cfg.MaxTokens > 0 {
		request.Options = &ollamaOptions{
			Temperature: d.cfg.Temperature,
			NumPredict:  d.cfg.MaxTokens,
		}
	}

	var text string
	var err error
	if onToken != nil {
		text, err = d.streamChat(ctx, request, onToken)
	} else {
		text, err = d.blockingChat(ctx, request)
	}

	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, d.cfg.Model, duration, d.LastTokenCount(), err)
	return text, err
}

func (d *OllamaDriver) blockingChat(ctx context.Context, request ollamaChatRequest) (string, error) {
	body, err := d.post(ctx, "/api/chat", request)
	if err != nil {
		return "", fmt.Errorf("ollama chat failed: %w", err)
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", resp.Error)
	}

	d.lastTokens.Store(int64(resp.PromptEvalCount + resp.EvalCount))
	return resp.Message.Content, nil
}

func (d *OllamaDriver) streamChat(ctx context.Context, request ollamaChatRequest, onToken func(string)) (string, error) {
	resp, err := d.postStream(ctx, "/api/chat", request)
	if err != nil {
		return "", fmt.Errorf("ollama streaming chat failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			onToken(chunk.Message.Content)
		}
		if chunk.Done {
			d.lastTokens.Store(int64(chunk.PromptEvalCount + chunk.EvalCount))
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("ollama stream read failed: %w", err)
	}
	return full.String(), nil
}

func (d *OllamaDriver) post(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := d.postStream(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (d *OllamaDriver) postStream(ctx context.Context, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}

	return d.client.Do(req)
}
