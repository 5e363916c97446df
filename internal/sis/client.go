// Package sis talks to the OneRoster v1p1 roster API that backs the SIS
// projection.
package sis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rectory-school/enrichment-api/pkg/config"
	appErrors "github.com/rectory-school/enrichment-api/pkg/errors"
)

const rosterScope = "https://purl.imsglobal.org/spec/or/v1p1/scope/roster-core.readonly"

// Record is one OneRoster row, keyed by sourcedId upstream.
type Record map[string]interface{}

// SourcedID returns the record's sourcedId.
func (r Record) SourcedID() string {
	return r.String("sourcedId")
}

// Active maps the OneRoster status onto the local active flag.
func (r Record) Active() bool {
	return r.String("status") == "active"
}

// String returns a top-level string field, or "" when absent.
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// RefID returns the sourcedId of a nested reference object such as "class"
// or "user".
func (r Record) RefID(key string) string {
	if ref, ok := r[key].(map[string]interface{}); ok {
		if v, ok := ref["sourcedId"].(string); ok {
			return v
		}
	}
	return ""
}

// OrgIDs returns the sourcedIds of the record's orgs list.
func (r Record) OrgIDs() []string {
	raw, ok := r["orgs"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if org, ok := item.(map[string]interface{}); ok {
			if v, ok := org["sourcedId"].(string); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

// Metadata returns a string from the record's metadata object.
func (r Record) Metadata(key string) string {
	if meta, ok := r["metadata"].(map[string]interface{}); ok {
		if v, ok := meta[key].(string); ok {
			return v
		}
	}
	return ""
}

// Client fetches roster records with OAuth2 client credentials. The bearer
// token is cached for 75% of its reported lifetime to absorb clock skew; the
// cache is guarded so concurrent fetches share one token.
type Client struct {
	cfg        config.SISConfig
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

// NewClient constructs the client. The configuration is validated lazily:
// a missing setting surfaces as ErrSyncNotConfigured on first use so the
// rest of the engine runs without SIS credentials.
func NewClient(cfg config.SISConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	cfg.PageSize = pageSize
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// checkConfigured returns ErrSyncNotConfigured naming the first missing
// setting.
func (c *Client) checkConfigured() error {
	missing := ""
	switch {
	case c.cfg.TokenURL == "":
		missing = "SIS_TOKEN_URL"
	case c.cfg.APIBase == "":
		missing = "SIS_API_BASE"
	case c.cfg.OAuthKey == "":
		missing = "SIS_OAUTH_KEY"
	case c.cfg.OAuthSecret == "":
		missing = "SIS_OAUTH_SECRET"
	}
	if missing == "" {
		return nil
	}
	return appErrors.Clone(appErrors.ErrSyncNotConfigured, missing+" is not set")
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   float64 `json:"expires_in"`
}

// accessToken returns a cached bearer token, fetching a fresh one when the
// cached token has lived past 75% of its lifetime.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", rosterScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(c.cfg.OAuthKey + ":" + c.cfg.OAuthSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("fetch token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.token = token.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(token.ExpiresIn*0.75) * time.Second)
	return c.token, nil
}

// Get fetches every record from one endpoint, following limit/offset paging
// until x-total-count records have arrived. The result is keyed by
// sourcedId.
func (c *Client) Get(ctx context.Context, endpoint string) (map[string]Record, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}

	var records []Record
	expected := -1
	offset := 0

	for expected < 0 || len(records) < expected {
		page, total, err := c.page(ctx, endpoint, offset)
		if err != nil {
			return nil, err
		}
		expected = total
		records = append(records, page...)
		offset += c.cfg.PageSize

		if len(page) == 0 {
			break
		}
	}

	out := make(map[string]Record, len(records))
	for _, record := range records {
		out[record.SourcedID()] = record
	}
	return out, nil
}

// page fetches one page and the x-total-count header.
func (c *Client) page(ctx context.Context, endpoint string, offset int) ([]Record, int, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("offset", strconv.Itoa(offset))
	fullURL := strings.TrimRight(c.cfg.APIBase, "/") + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build roster request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug("fetching roster page", zap.String("url", fullURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, 0, fmt.Errorf("fetch %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	total, err := strconv.Atoi(resp.Header.Get("x-total-count"))
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: bad x-total-count %q", endpoint, resp.Header.Get("x-total-count"))
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if len(payload) != 1 {
		return nil, 0, fmt.Errorf("fetch %s: expected single-keyed body, got %d keys", endpoint, len(payload))
	}

	var page []Record
	for _, raw := range payload {
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, 0, fmt.Errorf("decode %s records: %w", endpoint, err)
		}
	}
	return page, total, nil
}
