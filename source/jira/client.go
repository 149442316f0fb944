// Package jira reads issues, links and users from a Jira REST API.
package jira

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/pksingh99/jirban-jira/domain"
	"github.com/pksingh99/jirban-jira/source"
)

const defaultConcurrency = 5

// HTTPClient is the subset of *http.Client the client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jira returned status %d: %s", e.Code, e.Body)
}

type Options struct {
	BaseURL     string
	User        string
	Token       string
	Concurrency int
}

// Client implements source.Searcher, source.LinkSource and
// source.Directory. Concurrent requests are bounded by a semaphore.
type Client struct {
	baseURL    string
	user       string
	token      string
	httpClient HTTPClient
	sem        chan struct{}
}

func NewClient(opts Options, httpClient HTTPClient) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	n := opts.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		user:       opts.User,
		token:      opts.Token,
		httpClient: httpClient,
		sem:        make(chan struct{}, n),
	}
}

type searchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []source.RawIssue `json:"issues"`
}

func (c *Client) Search(ctx context.Context, q source.Query, page source.Page) (source.SearchPage, error) {
	params := url.Values{}
	params.Set("jql", q.Expression())
	params.Set("startAt", strconv.Itoa(page.StartAt))
	params.Set("maxResults", strconv.Itoa(page.MaxResults))
	if len(q.Fields) > 0 {
		params.Set("fields", strings.Join(q.Fields, ","))
	}
	var res searchResponse
	if err := c.get(ctx, "/rest/api/2/search?"+params.Encode(), &res); err != nil {
		return source.SearchPage{}, fmt.Errorf("search %s: %w", q.Board, err)
	}
	return source.SearchPage{Issues: res.Issues, StartAt: res.StartAt, Total: res.Total}, nil
}

type issueLinksResponse struct {
	Key    string `json:"key"`
	Fields struct {
		IssueLinks []issueLink `json:"issuelinks"`
	} `json:"fields"`
}

type issueLink struct {
	Type struct {
		Name string `json:"name"`
	} `json:"type"`
	InwardIssue  *linkedIssue `json:"inwardIssue"`
	OutwardIssue *linkedIssue `json:"outwardIssue"`
}

type linkedIssue struct {
	Key string `json:"key"`
}

func (c *Client) LinksFor(ctx context.Context, issueID string) ([]domain.LinkRecord, error) {
	var res issueLinksResponse
	path := "/rest/api/2/issue/" + url.PathEscape(issueID) + "?fields=issuelinks"
	if err := c.get(ctx, path, &res); err != nil {
		return nil, fmt.Errorf("links for %s: %w", issueID, err)
	}
	return convertLinks(issueID, res.Fields.IssueLinks), nil
}

func convertLinks(key string, links []issueLink) []domain.LinkRecord {
	out := make([]domain.LinkRecord, 0, len(links))
	for _, l := range links {
		switch {
		case l.OutwardIssue != nil:
			out = append(out, domain.LinkRecord{Source: key, Target: l.OutwardIssue.Key, Type: l.Type.Name})
		case l.InwardIssue != nil:
			out = append(out, domain.LinkRecord{Source: l.InwardIssue.Key, Target: key, Type: l.Type.Name})
		}
	}
	return out
}

type userResponse struct {
	Name         string            `json:"name"`
	DisplayName  string            `json:"displayName"`
	EmailAddress string            `json:"emailAddress"`
	AvatarURLs   map[string]string `json:"avatarUrls"`
}

func (c *Client) ResolveUser(ctx context.Context, username string) (domain.User, error) {
	var res userResponse
	err := c.get(ctx, "/rest/api/2/user?username="+url.QueryEscape(username), &res)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return domain.User{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, username)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("resolve user %s: %w", username, err)
	}
	u := domain.User{Name: res.Name, DisplayName: res.DisplayName, Email: res.EmailAddress}
	if u.Name == "" {
		u.Name = username
	}
	for _, size := range []string{"48x48", "32x32", "24x24", "16x16"} {
		if v := res.AvatarURLs[size]; v != "" {
			u.AvatarURL = v
			break
		}
	}
	return u, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" || c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.WithFields(log.Fields{"path": req.URL.Path, "status": resp.StatusCode}).Debug("jira request failed")
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
