// Package marketplace talks to the remote module marketplace: fetching
// manifests, searching the catalog, and downloading module bundles for
// installation. Marketplace failures surface opaquely; the lifecycle layer
// treats them as external-collaborator errors.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/exthost/manifest"
)

// ErrMarketplace wraps every failure talking to the marketplace.
var ErrMarketplace = errors.New("marketplace error")

// Listing is one catalog entry returned by Search.
type Listing struct {
	ModuleID string   `json:"moduleId"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Category string   `json:"category"`
	Price    string   `json:"price"`
	Tags     []string `json:"tags"`
}

// Client is the marketplace boundary the lifecycle layer depends on.
type Client interface {
	// FetchManifest retrieves and parses the module's manifest.
	FetchManifest(ctx context.Context, moduleID, version string) (*manifest.ModuleMetadata, error)

	// Download streams the module's bundle archive.
	Download(ctx context.Context, moduleID, version string) (io.ReadCloser, error)

	// Search queries the catalog.
	Search(ctx context.Context, query string) ([]Listing, error)
}

// HTTPClient talks to a marketplace over its HTTP API. Outbound requests
// are rate limited so a bulk install cannot hammer the marketplace.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = client }
}

// WithRateLimit caps outbound marketplace requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *HTTPClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewHTTPClient creates a marketplace client for the given base URL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) FetchManifest(ctx context.Context, moduleID, version string) (*manifest.ModuleMetadata, error) {
	u := fmt.Sprintf("%s/api/v1/modules/%s/%s/manifest",
		c.baseURL, url.PathEscape(moduleID), url.PathEscape(version))
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch manifest %s@%s: %v", ErrMarketplace, moduleID, version, err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s@%s: %v", ErrMarketplace, moduleID, version, err)
	}
	md, err := manifest.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("marketplace manifest for %s@%s: %w", moduleID, version, err)
	}
	return md, nil
}

func (c *HTTPClient) Download(ctx context.Context, moduleID, version string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/api/v1/modules/%s/%s/bundle",
		c.baseURL, url.PathEscape(moduleID), url.PathEscape(version))
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s@%s: %v", ErrMarketplace, moduleID, version, err)
	}
	return body, nil
}

func (c *HTTPClient) Search(ctx context.Context, query string) ([]Listing, error) {
	u := fmt.Sprintf("%s/api/v1/modules?q=%s", c.baseURL, url.QueryEscape(query))
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", ErrMarketplace, query, err)
	}
	defer body.Close()

	var listings []Listing
	if err := json.NewDecoder(body).Decode(&listings); err != nil {
		return nil, fmt.Errorf("%w: decode search results: %v", ErrMarketplace, err)
	}
	return listings, nil
}

func (c *HTTPClient) get(ctx context.Context, u string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

// DownloadBundle downloads the module's archive and extracts it into
// destDir/<moduleID>. On any failure the partially written directory is
// removed.
func DownloadBundle(ctx context.Context, client Client, moduleID, version, destDir string) (string, error) {
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("%w: resolve destination: %v", ErrMarketplace, err)
	}
	moduleDir := filepath.Join(absDest, moduleID)
	if !strings.HasPrefix(moduleDir, absDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: invalid module id %q", ErrMarketplace, moduleID)
	}
	if err := os.MkdirAll(moduleDir, 0o750); err != nil {
		return "", fmt.Errorf("%w: create module dir: %v", ErrMarketplace, err)
	}

	reader, err := client.Download(ctx, moduleID, version)
	if err != nil {
		os.RemoveAll(moduleDir)
		return "", err
	}
	defer reader.Close()

	if err := extractTarGz(reader, moduleDir); err != nil {
		os.RemoveAll(moduleDir)
		return "", fmt.Errorf("%w: extract bundle %s@%s: %v", ErrMarketplace, moduleID, version, err)
	}
	return moduleDir, nil
}
