package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// MemoryUpdate is published after each completed turn so the persona
// distillation pipeline can fold it into long-term memory.
type MemoryUpdate struct {
	Type          string `json:"type"` // always "memory_update"
	UserID        string `json:"user_id"`
	ChatID        string `json:"chat_id"`
	CharacterID   string `json:"character_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
	TS            int64  `json:"ts"`
}

// MemoryQuery asks the memory service for conversation context.
type MemoryQuery struct {
	UserID      string `json:"user_id"`
	ChatID      string `json:"chat_id"`
	CharacterID string `json:"character_id"`
	Query       string `json:"query"`
}

type memoryResponse struct {
	Context string `json:"context"`
}

// MemoryClient talks to the memory/persona collaborator: context retrieval
// over HTTP and turn updates over a redis publish channel.
type MemoryClient struct {
	baseURL string
	channel string
	client  *http.Client
	redis   *redis.Client
}

// NewMemoryClient creates a memory client. redisClient may be nil, in which
// case PublishUpdate is a no-op.
func NewMemoryClient(baseURL, channel string, redisClient *redis.Client) *MemoryClient {
	return &MemoryClient{
		baseURL: baseURL,
		channel: channel,
		client:  &http.Client{Timeout: 30 * time.Second},
		redis:   redisClient,
	}
}

// RetrieveContext fetches persona memory context for the given query.
func (c *MemoryClient) RetrieveContext(ctx context.Context, q MemoryQuery) (string, error) {
	body, err := sonic.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("marshal memory query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("memory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("memory request: unexpected status %d", resp.StatusCode)
	}

	var out memoryResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode memory response: %w", err)
	}
	return out.Context, nil
}

// PublishUpdate publishes a completed turn to the memory-update channel.
func (c *MemoryClient) PublishUpdate(ctx context.Context, update MemoryUpdate) error {
	if c.redis == nil {
		return nil
	}
	update.Type = "memory_update"
	if update.TS == 0 {
		update.TS = time.Now().Unix()
	}

	payload, err := sonic.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal memory update: %w", err)
	}
	if err := c.redis.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish memory update: %w", err)
	}
	return nil
}
