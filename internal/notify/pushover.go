package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultPushoverURL = "https://api.pushover.net/1/messages.json"

// PushoverNotifier sends push notifications through the Pushover messages API.
type PushoverNotifier struct {
	endpoint string
	token    string
	user     string
	client   *http.Client
}

func NewPushoverNotifier(endpoint, token, user string) (*PushoverNotifier, error) {
	if token == "" || user == "" {
		return nil, fmt.Errorf("pushover token and user key: %w", ErrMisconfigured)
	}
	if endpoint == "" {
		endpoint = DefaultPushoverURL
	}
	return &PushoverNotifier{
		endpoint: endpoint,
		token:    token,
		user:     user,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// priority is 1 (high) for critical alerts and 0 (normal) otherwise.
func priority(s Severity) int {
	if s == SeverityCritical {
		return 1
	}
	return 0
}

func (p *PushoverNotifier) Send(ctx context.Context, n Notification) error {
	form := url.Values{
		"token":    {p.token},
		"user":     {p.user},
		"title":    {n.Title()},
		"message":  {n.Message},
		"priority": {strconv.Itoa(priority(n.Severity))},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send pushover notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pushover returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
