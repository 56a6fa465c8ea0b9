package llms

import (
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

// GeminiDriver talks to the Google generative language REST API.
type GeminiDriver struct {
	cfg        config.DriverConfig
	client     *httpclient.Client
	baseURL    string
	apiKey     string
	lastTokens atomic.Int64
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Contents          []geminiContent   `json:"contents"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

func NewGeminiDriver(cfg config.DriverConfig) (*GeminiDriver, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini driver requires an API key (config api_key or GEMINI_API_KEY)")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-004"
	}

	return &GeminiDriver{
		cfg:     cfg,
		baseURL: baseURL,
		apiKey:  apiKey,
		client: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (d *GeminiDriver) ModelName() string {
	return d.cfg.Model
}

func (d *GeminiDriver) LastTokenCount() int {
	return int(d.lastTokens.Load())
}

func (d *GeminiDriver) Close() error {
	return nil
}

func (d *GeminiDriver) Embed(ctx context.Context, text string) ([]float32, error) {
	path := fmt.Sprintf("/models/%s:embedContent", d.cfg.EmbedModel)
	body, err := d.post(ctx, path, geminiEmbedRequest{
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}

	var resp geminiEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode gemini embedding: %w", err)
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini returned empty embedding")
	}
	return resp.Embedding.Values, nil
}

func (d *GeminiDriver) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	system := req.System
	if req.SchemaDescription != "" {
		system += "\n\nRespond with a single JSON object conforming to this schema:\n" + req.SchemaDescription
	}
	return d.generate(ctx, system, req.User, true)
}

// GenerateStructuredStreaming falls back to the blocking call and delivers
// the reply as a single token; the REST streaming endpoint buys nothing for
// the kernel's one-suspension-point loop.
func (d *GeminiDriver) GenerateStructuredStreaming(ctx context.Context, req StructuredRequest, onToken func(string)) (string, error) {
	text, err := d.GenerateStructured(ctx, req)
	if err == nil && text != "" && onToken != nil {
		onToken(text)
	}
	return text, err
}

func (d *GeminiDriver) GenerateRaw(ctx context.Context, prompt, system string) (string, error) {
	return d.generate(ctx, system, prompt, false)
}

func (d *GeminiDriver) generate(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	start := time.Now()
	tracer := observability.GetTracer("amnesic.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, d.cfg.Model),
			attribute.String(observability.AttrLLMProvider, "gemini"),
		),
	)
	defer span.End()

	request := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}},
	}
	if system != "" {
		request.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	genCfg := &geminiGenConfig{
		Temperature:     d.cfg.Temperature,
		MaxOutputTokens: d.cfg.MaxTokens,
	}
	if jsonMode {
		genCfg.ResponseMimeType = "application/json"
	}
	request.GenerationConfig = genCfg

	path := fmt.Sprintf("/models/%s:generateContent", d.cfg.Model)
	body, err := d.post(ctx, path, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, d.cfg.Model, time.Since(start), 0, err)
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode gemini response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("gemini error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	d.lastTokens.Store(int64(resp.UsageMetadata.TotalTokenCount))
	observability.GetGlobalMetrics().RecordLLMCall(ctx, d.cfg.Model, time.Since(start), d.LastTokenCount(), nil)

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

func (d *GeminiDriver) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := d.baseURL + path + "?key=" + d.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
