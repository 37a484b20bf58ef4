// Package client implements the check/submit/rebuild flows of the lookup
// service's client side: check a URL, submit a malicious one, and rebuild
// the local filter from the server. Terminal UI rendering is out of scope
// here; this package is the bare request/filter logic underneath it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rpcpool/blacklistd/internal/filter"
	"github.com/rpcpool/blacklistd/internal/hashkey"
)

// DefaultFalsePositiveRate is the target rate rebuild sizes the filter for.
const DefaultFalsePositiveRate = 0.01

// Verdict is the outcome of CheckURL.
type Verdict int

const (
	// Safe means neither the local filter nor the server confirmed the URL.
	Safe Verdict = iota
	// Malicious means the server returned the full key in its fetch-hashes response.
	Malicious
	// Unknown means the check could not be completed (a transient I/O error).
	Unknown
)

// Client talks to one blacklistd server over HTTP and maintains a local
// probabilistic filter, persisted at a fixed path.
type Client struct {
	baseURL    string
	httpClient *http.Client
	filterPath string
	name       string

	f *filter.Filter // nil means "unbuilt, always fall through to the server"
}

// Open constructs a Client against baseURL, loading a persisted filter blob
// from filterPath if present. If absent, it rebuilds the filter from the
// server immediately rather than leaving the client filter-less until an
// explicit rebuild.
func Open(ctx context.Context, name, baseURL, filterPath string) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		filterPath: filterPath,
		name:       name,
	}

	blob, err := os.ReadFile(filterPath)
	if err == nil {
		f, err := filter.Unmarshal(blob)
		if err != nil {
			return nil, fmt.Errorf("client: decode persisted filter %s: %w", filterPath, err)
		}
		c.f = f
		return c, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("client: read persisted filter %s: %w", filterPath, err)
	}

	if err := c.RebuildFilter(ctx); err != nil {
		return nil, fmt.Errorf("client: initial filter rebuild: %w", err)
	}
	return c, nil
}

// CheckURL reports whether url appears on the server's blacklist. It
// consults the local filter first; only on a possible-positive (or an
// unbuilt filter) does it call the server.
func (c *Client) CheckURL(ctx context.Context, url string) (Verdict, error) {
	key := hashkey.Sum([]byte(url))
	prefix := key.Prefix()

	if c.f != nil && !c.f.MaybeContains(prefix[:]) {
		return Safe, nil
	}

	hashes, err := c.fetchHashes(ctx, prefix)
	if err != nil {
		return Unknown, err
	}
	for i := 0; i+hashkey.Size <= len(hashes); i += hashkey.Size {
		if bytes.Equal(hashes[i:i+hashkey.Size], key[:]) {
			return Malicious, nil
		}
	}
	return Safe, nil
}

// SubmitMaliciousURL posts url to the server to be blacklisted. On success
// it inserts the key's prefix into the local filter and persists it. On any
// error the local filter is invalidated: it is dropped from memory and its
// persisted blob is removed, so the next Open rebuilds it from the server
// rather than risk operating on a stale filter.
func (c *Client) SubmitMaliciousURL(ctx context.Context, url string) (err error) {
	defer func() {
		if err != nil {
			c.f = nil
			os.Remove(c.filterPath)
		}
	}()
	key := hashkey.Sum([]byte(url))

	reqURL := fmt.Sprintf("%s/submit-malicious-url?client=%s&url=%s", c.baseURL, c.name, key.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		c.f = nil
		return fmt.Errorf("client: build submit request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.f = nil
		return fmt.Errorf("client: submit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.f = nil
		return fmt.Errorf("client: submit rejected with status %d: %s", resp.StatusCode, string(body))
	}

	if c.f != nil {
		prefix := key.Prefix()
		c.f.Add(prefix[:])
		if err := c.persistFilter(); err != nil {
			return fmt.Errorf("client: persist filter after submit: %w", err)
		}
	}
	return nil
}

// RebuildFilter fetches fresh metadata and the full prefix snapshot from the
// server, constructs a new filter sized for the reported population, and
// persists it.
func (c *Client) RebuildFilter(ctx context.Context) error {
	totalCount, partitions, err := c.fetchMetadata(ctx)
	if err != nil {
		return err
	}

	n := totalCount
	if n < 1 {
		n = 1 // a filter must be sized for at least one entry
	}
	f, err := filter.New(n, DefaultFalsePositiveRate)
	if err != nil {
		return fmt.Errorf("client: size filter: %w", err)
	}

	for p := 1; p <= partitions; p++ {
		for _, tier := range []string{"memtable", "index"} {
			prefixes, err := c.fetchPrefixes(ctx, tier, p)
			if err != nil {
				c.f = nil
				return err
			}
			for i := 0; i+hashkey.PrefixSize <= len(prefixes); i += hashkey.PrefixSize {
				f.Add(prefixes[i : i+hashkey.PrefixSize])
			}
		}
	}

	c.f = f
	return c.persistFilter()
}

func (c *Client) persistFilter() error {
	if err := os.MkdirAll(filepath.Dir(c.filterPath), 0o755); err != nil {
		return fmt.Errorf("client: create filter dir: %w", err)
	}
	return os.WriteFile(c.filterPath, c.f.Marshal(), 0o644)
}

func (c *Client) fetchHashes(ctx context.Context, prefix hashkey.HashPrefix) ([]byte, error) {
	url := fmt.Sprintf("%s/fetch-hashes?client=%s&prefix=%s", c.baseURL, c.name, prefix.Hex())
	return c.getBody(ctx, url)
}

func (c *Client) fetchPrefixes(ctx context.Context, tier string, partition int) ([]byte, error) {
	url := fmt.Sprintf("%s/fetch-prefixes/%s?client=%s&partition=%d", c.baseURL, tier, c.name, partition)
	return c.getBody(ctx, url)
}

func (c *Client) fetchMetadata(ctx context.Context) (totalCount, partitions int, err error) {
	url := fmt.Sprintf("%s/fetch-blacklist-metadata?client=%s", c.baseURL, c.name)
	body, err := c.getBody(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	var pair [2]int
	if err := json.Unmarshal(body, &pair); err != nil {
		return 0, 0, fmt.Errorf("client: decode metadata: %w", err)
	}
	return pair[0], pair[1], nil
}

func (c *Client) getBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request for %s: %w", url, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// HasFilter reports whether a local filter is currently loaded, for callers
// that want to show the user whether the next check will consult the
// server unconditionally.
func (c *Client) HasFilter() bool {
	return c.f != nil
}

// FilterPath returns the path the local filter blob is persisted at.
func (c *Client) FilterPath() string {
	return c.filterPath
}
