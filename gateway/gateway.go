package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://discord.com/api/v10"

var ErrInvalidRecommendation = errors.New("gateway returned no usable shard count")

type botInfo struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// RecommendedShards asks the platform how many shards the bot identified
// by token should run. It is called once at startup when no explicit count
// is configured.
func RecommendedShards(ctx context.Context, baseURL, token string) (int, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if token == "" {
		return 0, errors.New("bot token is required for a shard recommendation")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/gateway/bot", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("gateway responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info botInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if info.Shards < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRecommendation, info.Shards)
	}
	return info.Shards, nil
}
