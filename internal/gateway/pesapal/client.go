// Package pesapal implements gateway.Client against the Pesapal v3 API.
package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/panacare/api/internal/gateway"
)

const (
	SandboxURL    = "https://cybqa.pesapal.com/pesapalv3"
	ProductionURL = "https://pay.pesapal.com/v3"

	// Tokens live five minutes; refresh a minute early.
	tokenTTL = 4 * time.Minute
)

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Sandbox        bool
	Timeout        time.Duration
	// BaseURL overrides the environment URL.
	BaseURL string
}

// Client talks to Pesapal. It is safe for concurrent use.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

var _ gateway.Client = (*Client)(nil)

func New(cfg Config, logger zerolog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = ProductionURL
		if cfg.Sandbox {
			base = SandboxURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	hc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   hc,
		cfg:    cfg,
		logger: logger.With().Str("component", "pesapal").Logger(),
		now:    time.Now,
	}
}

type apiError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type tokenResponse struct {
	Token string    `json:"token"`
	Error *apiError `json:"error"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	var out tokenResponse
	body := map[string]string{
		"consumer_key":    c.cfg.ConsumerKey,
		"consumer_secret": c.cfg.ConsumerSecret,
	}
	if err := c.send(ctx, "authenticate", http.MethodPost, "/api/Auth/RequestToken", "", nil, body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &gateway.Error{Op: "authenticate", Message: "no token in response"}
	}

	c.token = out.Token
	c.tokenExp = c.now().Add(tokenTTL)
	c.logger.Debug().Msg("authenticated")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// call performs an authenticated request, re-authenticating once when the
// token is rejected.
func (c *Client) call(ctx context.Context, op, method, path string, query map[string]string, body, out interface{}) error {
	for attempt := 0; ; attempt++ {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, op, method, path, tok, query, body, out)

		var ge *gateway.Error
		if attempt == 0 && errors.As(err, &ge) && ge.Code == "unauthorized" {
			c.invalidateToken()
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, op, method, path, token string, query map[string]string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("request failed")
		return &gateway.Error{Op: op, Temporary: true, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized:
		return &gateway.Error{Op: op, Code: "unauthorized", Message: "unauthorized", Err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return &gateway.Error{Op: op, Temporary: true, Message: fmt.Sprintf("gateway returned status %d", status)}
	}

	// An unreadable 2xx body leaves the outcome unknown; it is retryable.
	malformed := func(err error) error {
		return &gateway.Error{Op: op, Temporary: status < 300, Message: "malformed gateway response", Err: err}
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	// List endpoints answer with a bare array.
	if bytes.HasPrefix(bytes.TrimSpace(resp.Body()), []byte("{")) {
		if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
			return malformed(err)
		}
	}
	if envelope.Error != nil && (envelope.Error.Message != "" || envelope.Error.Code != "") {
		msg := envelope.Error.Message
		if msg == "" {
			msg = envelope.Error.Code
		}
		code := envelope.Error.Code
		if code == "" {
			code = envelope.Error.ErrorType
		}
		return &gateway.Error{Op: op, Code: code, Message: msg}
	}
	if status >= 400 {
		return &gateway.Error{Op: op, Message: fmt.Sprintf("gateway returned status %d", status)}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return malformed(err)
		}
	}
	return nil
}
