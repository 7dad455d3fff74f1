// Package notify posts build results to GitHub pull requests and Slack.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/version"
)

const (
	DefaultGitHubURL = "https://api.github.com"

	// SkippedContentComment starts the comment listing collected tests that
	// were skipped.
	SkippedContentComment = "The following integrations/tests were collected by the CI build but are currently skipped. " +
		"The collected tests are related to this pull request and might be critical."
)

func newHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	return c
}

// GitHub comments on the pull request of a commit.
type GitHub struct {
	BaseURL string
	Token   string
	Repo    string

	http *retryablehttp.Client
	log  *logging.Logger
}

func NewGitHub(token, repo string, log *logging.Logger) *GitHub {
	return &GitHub{
		BaseURL: DefaultGitHubURL,
		Token:   token,
		Repo:    repo,
		http:    newHTTPClient(),
		log:     log,
	}
}

type issueSearch struct {
	TotalCount int `json:"total_count"`
	Items      []struct {
		CommentsURL string `json:"comments_url"`
	} `json:"items"`
}

type issueComment struct {
	URL  string `json:"url"`
	Body string `json:"body"`
}

// SkippedContentBody renders the comment for skipped collected tests.
func SkippedContentBody(entries []string) string {
	return fmt.Sprintf("%s:\n- %s", SkippedContentComment, strings.Join(entries, "\n- "))
}

// CommentSkippedContent replaces the skipped content comment on the open pull
// request of branch at sha.
func (g *GitHub) CommentSkippedContent(ctx context.Context, sha, branch string, entries []string) error {
	query := fmt.Sprintf("%s repo:%s is:pr is:open head:%s", sha, g.Repo, branch)
	var search issueSearch
	if err := g.do(ctx, http.MethodGet, g.BaseURL+"/search/issues?q="+url.QueryEscape(query), nil, &search); err != nil {
		return errors.Wrap(err, "search pull request")
	}
	if search.TotalCount != 1 || len(search.Items) == 0 || search.Items[0].CommentsURL == "" {
		g.log.Warningf("Add pull request comment failed: found %d open pull requests for branch %s.", search.TotalCount, branch)
		return nil
	}
	commentsURL := search.Items[0].CommentsURL

	var comments []issueComment
	if err := g.do(ctx, http.MethodGet, commentsURL, nil, &comments); err != nil {
		return errors.Wrap(err, "list pull request comments")
	}
	for _, c := range comments {
		if !strings.Contains(c.Body, SkippedContentComment) {
			continue
		}
		if err := g.do(ctx, http.MethodDelete, c.URL, nil, nil); err != nil {
			return errors.Wrap(err, "delete previous comment")
		}
	}

	body := map[string]string{"body": SkippedContentBody(entries)}
	return errors.Wrap(g.do(ctx, http.MethodPost, commentsURL, body, nil), "post pull request comment")
}

func (g *GitHub) do(ctx context.Context, method, u string, in, out interface{}) error {
	req, err := newRequest(ctx, method, u, in)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.Token)
	return send(g.http, req, out)
}

func newRequest(ctx context.Context, method, u string, in interface{}) (*retryablehttp.Request, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	return req, nil
}

func send(c *retryablehttp.Client, req *retryablehttp.Request, out interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(b, out), "decode response")
}
