// Package orchestrator implements the collaborator seam around the bridge:
// the token-streaming LLM endpoint, the memory service, and the transcript
// plumbing between them. The bridge session never calls this package; it
// exists so the seam contracts stay pinned down and testable.
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// GenerateRequest is the token-generation request body.
type GenerateRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ChatID       string `json:"chat_id,omitempty"`
	CharacterID  string `json:"character_id,omitempty"`
}

// tokenEvent is one NDJSON line from the generation stream.
type tokenEvent struct {
	Type string `json:"type"` // "token" or "done"
	Text string `json:"text,omitempty"`
}

// LLMClient streams generated tokens from the LLM collaborator over HTTP.
// The response body is newline-delimited JSON: {"type":"token","text":...}
// repeated, terminated by {"type":"done"}.
type LLMClient struct {
	baseURL string
	client  *http.Client
}

// NewLLMClient creates a client for the token-generation endpoint.
func NewLLMClient(baseURL string) *LLMClient {
	return &LLMClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// StreamTokens posts a generation request and delivers each token to onToken
// in stream order. It returns the full concatenated text once the stream
// reports done. Lines that are not valid JSON are skipped.
func (c *LLMClient) StreamTokens(ctx context.Context, req GenerateRequest, onToken func(text string)) (string, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm request: unexpected status %d", resp.StatusCode)
	}

	transcript := NewTranscriptBuffer(0)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev tokenEvent
		if err := sonic.Unmarshal(line, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "token":
			_ = transcript.Append(ev.Text)
			if onToken != nil {
				onToken(ev.Text)
			}
		case "done":
			return transcript.Flush(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("llm stream: %w", err)
	}

	// Stream ended without a done event; return what we have.
	return transcript.Flush(), nil
}
