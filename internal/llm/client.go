// Package llm collects every model-dependent operation behind one
// client. All operations are request/response calls against an
// Ollama-style generate endpoint and are tolerant of malformed model
// output: a reply that fails to parse is a failed operation, never a
// panic or a fatal error.
//
// The external model host is the scarce resource in the system, so the
// client serializes requests behind a weighted semaphore: at most one
// generation call is in flight at any time, process-wide.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"webintel/internal/config"
	"webintel/internal/logging"

	"golang.org/x/sync/semaphore"
)

// InsufficientData is the literal sentinel the synthesis prompt asks the
// model to emit when the provided context cannot answer the question.
// It must never leak to users; the answerer replaces or supersedes it.
const InsufficientData = "INSUFFICIENT_DATA"

// Client talks to an Ollama-compatible generate endpoint.
type Client struct {
	endpoint string
	model    string
	http     *http.Client
	sem      *semaphore.Weighted

	retries   int
	chunkSize int

	summarizeTimeout time.Duration
	extractTimeout   time.Duration
	reflectTimeout   time.Duration
}

// NewClient creates an LLM client from configuration.
func NewClient(cfg config.LLMConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 8000
	}
	return &Client{
		endpoint:         endpoint,
		model:            cfg.Model,
		http:             &http.Client{},
		sem:              semaphore.NewWeighted(1),
		retries:          retries,
		chunkSize:        chunkSize,
		summarizeTimeout: orDefault(cfg.SummarizeTimeout, 900*time.Second),
		extractTimeout:   orDefault(cfg.ExtractTimeout, 900*time.Second),
		reflectTimeout:   orDefault(cfg.ReflectTimeout, 300*time.Second),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// generate performs one serialized call to /api/generate. When
// jsonFormat is set the endpoint is asked to constrain output to JSON;
// the caller still must parse defensively.
func (c *Client) generate(ctx context.Context, prompt string, jsonFormat bool, timeout time.Duration) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := generateRequest{Model: c.model, Prompt: prompt, Stream: false}
	if jsonFormat {
		req.Format = "json"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	timer := logging.StartTimer(logging.CategoryLLM, "generate")
	defer timer.StopWithThreshold(time.Minute)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode llm response: %w", err)
	}
	return result.Response, nil
}

// generateJSON calls generate with JSON format and unmarshals the reply
// into out. Parse failures are retried up to the configured bound with
// the raw reply discarded; any other failure is returned immediately.
func (c *Client) generateJSON(ctx context.Context, prompt string, timeout time.Duration, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		raw, err := c.generate(ctx, prompt, true, timeout)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(extractJSON(raw)), out); err != nil {
			lastErr = fmt.Errorf("llm returned unparseable JSON: %w", err)
			logging.LLMDebug("JSON parse failed (attempt %d/%d): %v", attempt+1, c.retries, err)
			continue
		}
		return nil
	}
	return lastErr
}

// extractJSON pulls the outermost JSON value out of a reply that may be
// wrapped in prose or a markdown fence. Models do this even when asked
// for bare JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(s, closer); end > start {
		return s[start : end+1]
	}
	return s[start:]
}
