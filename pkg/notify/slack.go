package notify

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const DefaultSlackURL = "https://slack.com/api"

// Slack posts messages to a channel. It implements the failure notifier of
// test playbooks.
type Slack struct {
	BaseURL  string
	Token    string
	Channel  string
	Username string

	http *retryablehttp.Client
}

func NewSlack(token, channel string) *Slack {
	return &Slack{
		BaseURL:  DefaultSlackURL,
		Token:    token,
		Channel:  channel,
		Username: "Content CI",
		http:     newHTTPClient(),
	}
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// NotifyFailure posts text to the channel.
func (s *Slack) NotifyFailure(ctx context.Context, text string) error {
	return s.PostMessage(ctx, text)
}

func (s *Slack) PostMessage(ctx context.Context, text string) error {
	body := map[string]interface{}{
		"channel":  s.Channel,
		"username": s.Username,
		"as_user":  "False",
		"text":     text,
		"mrkdwn":   "true",
	}
	req, err := newRequest(ctx, http.MethodPost, s.BaseURL+"/chat.postMessage", body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)

	var resp slackResponse
	if err := send(s.http, req, &resp); err != nil {
		return errors.Wrap(err, "post slack message")
	}
	if !resp.OK {
		return errors.Errorf("post slack message: %s", resp.Error)
	}
	return nil
}
