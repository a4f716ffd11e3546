// Package chatsdk is a Go client for the chat HTTP API, plus a Poller that
// keeps a local copy of one conversation fresh the way the web widget does.
package chatsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/contenox/tablechat/apiframework"
	"github.com/contenox/tablechat/chatstore"
)

type Config struct {
	BaseURL string
	// Token authenticates the admin calls.
	Token string
}

// Conversation is one fetched thread.
type Conversation struct {
	ConversationID string              `json:"conversationId"`
	Messages       []chatstore.Message `json:"messages"`
}

// Summary is one row of the admin overview. Latest fields are nil for a
// conversation without messages.
type Summary struct {
	ConversationID string            `json:"conversationId"`
	LatestText     *string           `json:"latestText"`
	LatestAt       *time.Time        `json:"latestAt"`
	LatestSender   *chatstore.Sender `json:"latestSender"`
}

// HTTPClient calls the chat routes. Session cookies are kept in a jar so
// successive customer calls stay in one conversation.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPClient wraps client, adding a cookie jar when it has none. A nil
// client gets a fresh one.
func NewHTTPClient(config Config, client *http.Client) (*HTTPClient, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		withJar := *client
		withJar.Jar = jar
		client = &withJar
	}
	return &HTTPClient{
		client:  client,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		token:   config.Token,
	}, nil
}

// NewClient checks the server version before returning a client. Development
// builds on either side skip the comparison.
func NewClient(ctx context.Context, config Config, client *http.Client) (*HTTPClient, error) {
	c, err := NewHTTPClient(config, client)
	if err != nil {
		return nil, err
	}
	about, err := c.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate server version: %w", err)
	}
	sdkVersion := apiframework.GetVersion()
	if strings.Contains(about.Version, "dev") || strings.Contains(sdkVersion, "dev") || about.Version == "(devel)" || sdkVersion == "(devel)" {
		return c, nil
	}
	if sdkVersion != about.Version {
		return nil, fmt.Errorf("version mismatch: server=%q, sdk=%q (must be identical)", about.Version, sdkVersion)
	}
	return c, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, form url.Values, admin bool, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if admin && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiframework.HandleAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) Version(ctx context.Context) (apiframework.AboutServer, error) {
	var about apiframework.AboutServer
	err := c.do(ctx, http.MethodGet, "/version", nil, false, &about)
	return about, err
}

// Init returns the conversation id of the current session.
func (c *HTTPClient) Init(ctx context.Context) (string, error) {
	var resp struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/init", nil, false, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

func (c *HTTPClient) Fetch(ctx context.Context) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/fetch", nil, false, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *HTTPClient) Send(ctx context.Context, text, displayName string) error {
	form := url.Values{"text": {text}}
	if displayName != "" {
		form.Set("displayName", displayName)
	}
	return c.do(ctx, http.MethodPost, "/chat/send", form, false, nil)
}

// All lists every conversation, newest activity first.
func (c *HTTPClient) All(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	err := c.do(ctx, http.MethodGet, "/chat/all", nil, true, &summaries)
	return summaries, err
}

func (c *HTTPClient) Conversation(ctx context.Context, id string) ([]chatstore.Message, error) {
	var msgs []chatstore.Message
	err := c.do(ctx, http.MethodGet, "/chat/conversation/"+url.PathEscape(id), nil, true, &msgs)
	return msgs, err
}

func (c *HTTPClient) Reply(ctx context.Context, id, text string) error {
	return c.do(ctx, http.MethodPost, "/chat/reply", url.Values{"id": {id}, "text": {text}}, true, nil)
}

// Label is the author line the widget shows for msg.
func Label(msg chatstore.Message) string {
	if msg.Sender == chatstore.SenderAdmin {
		return "Admin"
	}
	if msg.DisplayName != "" {
		return msg.DisplayName
	}
	return "You"
}
