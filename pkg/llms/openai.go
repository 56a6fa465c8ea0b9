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

// OpenAIDriver talks to the OpenAI chat completions and embeddings APIs,
// or any API-compatible endpoint via the host override.
type OpenAIDriver struct {
	cfg        config.DriverConfig
	client     *httpclient.Client
	baseURL    string
	apiKey     string
	lastTokens atomic.Int64
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
		Delta   openAIMessage `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewOpenAIDriver(cfg config.DriverConfig) (*OpenAIDriver, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai driver requires an API key (config api_key or OPENAI_API_KEY)")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}

	return &OpenAIDriver{
		cfg:     cfg,
		baseURL: baseURL,
		apiKey:  apiKey,
		client: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (d *OpenAIDriver) ModelName() string {
	return d.cfg.Model
}

func (d *OpenAIDriver) LastTokenCount() int {
	return int(d.lastTokens.Load())
}

func (d *OpenAIDriver) Close() error {
	return nil
}

func (d *OpenAIDriver) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := d.post(ctx, "/embeddings", openAIEmbedRequest{
		Model: d.cfg.EmbedModel,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}

	var resp openAIEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode openai embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embedding data")
	}
	return resp.Data[0].Embedding, nil
}

func (d *OpenAIDriver) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	return d.chat(ctx, d.structuredMessages(req), true, nil)
}

func (d *OpenAIDriver) GenerateStructuredStreaming(ctx context.Context, req StructuredRequest, onToken func(string)) (string, error) {
	return d.chat(ctx, d.structuredMessages(req), true, onToken)
}

func (d *OpenAIDriver) GenerateRaw(ctx context.Context, prompt, system string) (string, error) {
	messages := []openAIMessage{}
	if system != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: system})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: prompt})
	return d.chat(ctx, messages, false, nil)
}

func (d *OpenAIDriver) structuredMessages(req StructuredRequest) []openAIMessage {
	system := req.System
	if req.SchemaDescription != "" {
		system += "\n\nRespond with a single JSON object conforming to this schema:\n" + req.SchemaDescription
	}
	return []openAIMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: req.User},
	}
}

func (d *OpenAIDriver) chat(ctx context.Context, messages []openAIMessage, jsonMode bool, onToken func(string)) (string, error) {
	start := time.Now()
	tracer := observability.GetTracer("amnesic.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, d.cfg.Model),
			attribute.String(observability.AttrLLMProvider, "openai"),
			attribute.Bool("streaming", onToken != nil),
		),
	)
	defer span.End()

	request := openAIChatRequest{
		Model:       d.cfg.Model,
		Messages:    messages,
		Temperature: d.cfg.Temperature,
		MaxTokens:   d.cfg.MaxTokens,
		Stream:      onToken != nil,
	}
	if jsonMode {
		request.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var text string
	var err error
	if onToken != nil {
		text, err = d.streamChat(ctx, request, onToken)
	} else {
		text, err = d.blockingChat(ctx, request)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, d.cfg.Model, time.Since(start), d.LastTokenCount(), err)
	return text, err
}

func (d *OpenAIDriver) blockingChat(ctx context.Context, request openAIChatRequest) (string, error) {
	body, err := d.post(ctx, "/chat/completions", request)
	if err != nil {
		return "", fmt.Errorf("openai chat failed: %w", err)
	}

	var resp openAIChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode openai response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("openai error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	d.lastTokens.Store(int64(resp.Usage.TotalTokens))
	return resp.Choices[0].Message.Content, nil
}

func (d *OpenAIDriver) streamChat(ctx context.Context, request openAIChatRequest, onToken func(string)) (string, error) {
	resp, err := d.postStream(ctx, "/chat/completions", request)
	if err != nil {
		return "", fmt.Errorf("openai streaming chat failed: %w", err)
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
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk openAIChatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			onToken(chunk.Choices[0].Delta.Content)
		}
		if chunk.Usage.TotalTokens > 0 {
			d.lastTokens.Store(int64(chunk.Usage.TotalTokens))
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("openai stream read failed: %w", err)
	}
	return full.String(), nil
}

func (d *OpenAIDriver) post(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := d.postStream(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (d *OpenAIDriver) postStream(ctx context.Context, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}

	return d.client.Do(req)
}
