package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// defaultTimeout bounds a single request round trip.
const defaultTimeout = 30 * time.Second

// Client talks to a JIRA-compatible REST API.
type Client struct {
	baseURL    string
	email      string
	apiToken   string
	bearer     string
	httpClient *http.Client
	logger     *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBasicAuth authenticates with an account email and API token.
func WithBasicAuth(email, apiToken string) ClientOption {
	return func(c *Client) {
		c.email = email
		c.apiToken = apiToken
	}
}

// WithBearerToken authenticates with a personal access token.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.bearer = token }
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the request logger.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client for the tracker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrInvalidConfig)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bearer == "" && (c.email == "" || c.apiToken == "") {
		return nil, fmt.Errorf("%w: either bearer token or email and api token are required", ErrInvalidConfig)
	}
	return c, nil
}

// SearchIssues runs one page of a JQL search.
func (c *Client) SearchIssues(ctx context.Context, params SearchParams) (*SearchResult, error) {
	q := url.Values{}
	q.Set("jql", params.JQL)
	q.Set("startAt", strconv.Itoa(params.StartAt))
	if params.MaxResults > 0 {
		q.Set("maxResults", strconv.Itoa(params.MaxResults))
	}
	if len(params.Fields) > 0 {
		q.Set("fields", strings.Join(params.Fields, ","))
	}
	if len(params.Expand) > 0 {
		q.Set("expand", strings.Join(params.Expand, ","))
	}
	if params.ValidateQuery {
		q.Set("validateQuery", "true")
	}

	var result SearchResult
	if err := c.getJSON(ctx, "/rest/api/3/search", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetIssue fetches one issue by key, optionally with its changelog.
func (c *Client) GetIssue(ctx context.Context, key string, expandChangelog bool) (*Issue, error) {
	q := url.Values{}
	if expandChangelog {
		q.Set("expand", "changelog")
	}
	var issue Issue
	if err := c.getJSON(ctx, "/rest/api/3/issue/"+url.PathEscape(key), q, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetProjects lists the projects visible to the authenticated account.
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.getJSON(ctx, "/rest/api/3/project", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// getJSON performs an authenticated GET and decodes the response body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	} else {
		req.SetBasicAuth(c.email, c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.responseError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// responseError maps a non-2xx response onto the error taxonomy.
func (c *Client) responseError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}
	c.logger.Warn("request failed", "path", path, "status", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
}
