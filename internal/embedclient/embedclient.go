// Package embedclient calls Azure-OpenAI-compatible embedding endpoints.
// Requests retry with exponential backoff and results are kept in an LRU
// cache so re-indexing unchanged content never re-embeds it.
package embedclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/locussearch/locus/internal/enrich"
)

const (
	// DefaultCacheSize bounds the embedding cache. At 1536 dimensions and
	// 4 bytes per component, 1000 entries stay around 6 MB.
	DefaultCacheSize = 1000

	DefaultAPIVersion     = "2024-02-01"
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Config tunes the client. The zero value selects all defaults.
type Config struct {
	APIKey         string
	APIVersion     string
	CacheSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return cfg
}

// Client is an embedding HTTP client. It implements enrich.Embedder.
type Client struct {
	client    *http.Client
	transport *http.Transport
	cfg       Config
	cache     *lru.Cache[string, []float32]
}

var _ enrich.Embedder = (*Client)(nil)

// New returns a client. The HTTP client carries no global deadline; a
// per-request timeout is applied on every attempt instead.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}
	cache, _ := lru.New[string, []float32](cfg.CacheSize)
	return &Client{
		client:    &http.Client{Transport: transport},
		transport: transport,
		cfg:       cfg,
		cache:     cache,
	}
}

// CacheLen reports how many embeddings are currently cached.
func (c *Client) CacheLen() int { return c.cache.Len() }

// Close releases idle connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

type embedRequest struct {
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// embedResponse accepts both the deployment API shape (data[0].embedding)
// and the bare {embedding: [...]} shape local stubs tend to answer with.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text from the given endpoint and
// deployment. Empty text short-circuits to a zero vector when dimensions
// are known. Transport errors, 429 and 5xx responses retry with backoff;
// other client errors fail immediately.
func (c *Client) Embed(ctx context.Context, endpoint, deployment, text string, dimensions int) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		if dimensions > 0 {
			return make([]float32, dimensions), nil
		}
		return nil, fmt.Errorf("cannot embed empty text without known dimensions")
	}

	key := c.cacheKey(endpoint, deployment, dimensions, text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	requestURL := buildURL(endpoint, deployment, c.cfg.APIVersion)
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		vec, retryable, err := c.doEmbed(ctx, requestURL, text, dimensions)
		if err == nil {
			c.cache.Add(key, vec)
			return vec, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		slog.Debug("embed_attempt_failed",
			slog.String("endpoint", endpoint),
			slog.String("deployment", deployment),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) doEmbed(ctx context.Context, requestURL, text string, dimensions int) (vec []float32, retryable bool, err error) {
	body, err := json.Marshal(embedRequest{Input: text, Dimensions: dimensions})
	if err != nil {
		return nil, false, fmt.Errorf("encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("call embedding endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	switch {
	case len(decoded.Data) > 0 && len(decoded.Data[0].Embedding) > 0:
		vec = decoded.Data[0].Embedding
	case len(decoded.Embedding) > 0:
		vec = decoded.Embedding
	default:
		return nil, false, fmt.Errorf("empty embedding returned")
	}
	if dimensions > 0 && len(vec) != dimensions {
		return nil, false, fmt.Errorf("endpoint returned %d dimensions, expected %d", len(vec), dimensions)
	}
	return vec, false, nil
}

// cacheKey hashes everything that shapes the vector: endpoint,
// deployment, requested dimensions and the text itself.
func (c *Client) cacheKey(endpoint, deployment string, dimensions int, text string) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write([]byte(deployment))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(dimensions)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// buildURL follows the deployment URL convention when a deployment is
// named; otherwise the endpoint is called as given, which lets local
// stubs be addressed directly.
func buildURL(endpoint, deployment, apiVersion string) string {
	base := strings.TrimSuffix(endpoint, "/")
	if deployment == "" {
		return base
	}
	u := base + "/openai/deployments/" + url.PathEscape(deployment) + "/embeddings"
	if apiVersion != "" {
		u += "?api-version=" + url.QueryEscape(apiVersion)
	}
	return u
}
