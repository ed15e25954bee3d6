// Package telegram is a minimal Bot API client: it fetches updates after a
// given offset and posts replies. It implements the poller's Fetcher and
// Dispatcher.
package telegram

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"layoutfixd/internal/feed"
	"layoutfixd/internal/security"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// maxResponseBytes bounds a single API response body.
const maxResponseBytes = 16 << 20

//go:embed schema/updates.schema.json
var updatesSchemaJSON string

const updatesSchemaURL = "https://layoutfixd.local/schema/get-updates-v1.schema.json"

// Client talks to the Bot API over HTTP.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	longPoll time.Duration
	now      func() time.Time
	schema   *jsonschema.Schema

	sendLimit *security.RateLimiter
	chatLimit *security.KeyedRateLimiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLongPoll sets the getUpdates long-poll timeout. Zero means short polling.
func WithLongPoll(d time.Duration) Option {
	return func(c *Client) { c.longPoll = d }
}

// WithSendLimits throttles sendMessage globally and per conversation.
// Either limiter may be nil.
func WithSendLimits(global *security.RateLimiter, perChat *security.KeyedRateLimiter) Option {
	return func(c *Client) {
		c.sendLimit = global
		c.chatLimit = perChat
	}
}

// New creates a client for the bot identified by token.
func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}

	schema, err := jsonschema.CompileString(updatesSchemaURL, updatesSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile updates schema: %w", err)
	}

	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
		schema:  schema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch returns every update with an id greater than after.
func (c *Client) Fetch(ctx context.Context, after int64) ([]feed.Event, error) {
	updates, err := c.GetUpdates(ctx, after+1)
	if err != nil {
		return nil, err
	}
	received := c.now()
	events := make([]feed.Event, 0, len(updates))
	for _, u := range updates {
		events = append(events, u.Event(received))
	}
	return events, nil
}

// GetUpdates calls getUpdates with the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	form := url.Values{}
	form.Set("offset", strconv.FormatInt(offset, 10))
	if c.longPoll > 0 {
		form.Set("timeout", strconv.Itoa(int(c.longPoll.Seconds())))
	}

	raw, err := c.call(ctx, "getUpdates", form, c.schema)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("%w: decode updates: %v", ErrMalformedPayload, err)
	}
	return updates, nil
}

// SendReply posts text into the conversation as a reply to replyTo.
func (c *Client) SendReply(ctx context.Context, conversationID, replyTo int64, text string) error {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(conversationID, 10))
	form.Set("reply_to_message_id", strconv.FormatInt(replyTo, 10))
	form.Set("text", text)

	if c.sendLimit != nil {
		if err := c.sendLimit.Wait(ctx); err != nil {
			return fmt.Errorf("telegram sendMessage: %w", err)
		}
	}
	if c.chatLimit != nil {
		if err := c.chatLimit.Wait(ctx, conversationID); err != nil {
			return fmt.Errorf("telegram sendMessage: %w", err)
		}
	}

	_, err := c.call(ctx, "sendMessage", form, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 && c.sendLimit != nil {
		c.sendLimit.Block(apiErr.RetryAfter)
	}
	return err
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	raw, err := c.call(ctx, "getMe", url.Values{}, nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("%w: decode getMe: %v", ErrMalformedPayload, err)
	}
	return &u, nil
}

// call posts form to method and returns the raw "result" of a successful
// response. When schema is non-nil the whole body is validated against it.
func (c *Client) call(ctx context.Context, method string, form url.Values, schema *jsonschema.Schema) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, c.redact(fmt.Errorf("telegram %s: build request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.redact(fmt.Errorf("telegram %s: %w", method, err))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, c.redact(fmt.Errorf("telegram %s: read body: %w", method, err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("telegram %s: http %d: %s", method, resp.StatusCode, snippet(raw))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, method, err)
	}
	if env.OK == nil {
		return nil, fmt.Errorf("%w: %s: no ok field in response", ErrMalformedPayload, method)
	}
	if !*env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return nil, apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram %s: http %d with ok=true", method, resp.StatusCode)
	}

	if schema != nil {
		if err := validate(schema, raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, method, err)
		}
	}
	return env.Result, nil
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// redact removes the bot token from error text; net/http includes the
// request URL in transport errors.
func (c *Client) redact(err error) error {
	if err == nil || !strings.Contains(err.Error(), c.token) {
		return err
	}
	return &redactedError{
		msg: strings.ReplaceAll(err.Error(), c.token, "<redacted>"),
		err: err,
	}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
