package telegram_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jdelaire/botdeck/core"
)

const (
	DefaultBaseURL     = "https://api.telegram.org"
	defaultPollTimeout = 30 * time.Second
	httpMargin         = 5 * time.Second
	maxBodyBytes       = 16 << 20
)

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client calls the Telegram Bot API. It holds no credential; every call
// receives one.
type Client struct {
	client      *http.Client
	baseURL     string
	pollTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Bot API client.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		logger:  logger,
	}
	c.WithPollTimeout(defaultPollTimeout)
	return c
}

// WithBaseURL overrides the Telegram API base URL (for testing).
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// WithPollTimeout sets the long-poll timeout sent to getUpdates. Zero
// disables long polling.
func (c *Client) WithPollTimeout(d time.Duration) *Client {
	if d < 0 {
		d = 0
	}
	c.pollTimeout = d
	c.client = &http.Client{Timeout: d + httpMargin}
	return c
}

// Identify calls getMe.
func (c *Client) Identify(ctx context.Context, credential string) (core.Account, error) {
	raw, err := c.call(ctx, credential, "getMe", nil)
	if err != nil {
		return core.Account{}, err
	}

	var acct core.Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return core.Account{}, &core.APIError{Kind: core.ErrMalformedResponse, Op: "getMe", Err: err}
	}
	if acct.ID == 0 {
		return core.Account{}, &core.APIError{Kind: core.ErrMalformedResponse, Op: "getMe", Err: errors.New("result has no id")}
	}
	return acct, nil
}

// FetchUpdates calls getUpdates for updates after since.
func (c *Client) FetchUpdates(ctx context.Context, credential string, since int64) ([]core.Update, error) {
	params := url.Values{}
	offset := int64(0)
	if since > 0 {
		offset = since + 1
	}
	params.Set("offset", strconv.FormatInt(offset, 10))
	if secs := int(c.pollTimeout / time.Second); secs > 0 {
		params.Set("timeout", strconv.Itoa(secs))
	}

	raw, err := c.call(ctx, credential, "getUpdates", params)
	if err != nil {
		return nil, err
	}

	updates, err := core.DecodeUpdates(raw)
	if err != nil {
		return nil, &core.APIError{Kind: core.ErrMalformedResponse, Op: "getUpdates", Err: err}
	}
	return updates, nil
}

// call performs one GET and returns the result field of a successful
// response. Errors never include the request URL, which embeds the credential.
func (c *Client) call(ctx context.Context, credential, method string, params url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + "/bot" + credential + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &core.APIError{Kind: core.ErrNetwork, Op: method, Err: errors.New("invalid request")}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.APIError{Kind: core.ErrNetwork, Op: method, Err: stripURL(err)}
	}
	defer resp.Body.Close()
	c.logger.Debug("telegram call", "method", method, "status", resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.APIError{Kind: core.ErrNetwork, Op: method, Err: fmt.Errorf("read body: %w", stripURL(err))}
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, classify(method, resp.StatusCode, "")
		}
		return nil, &core.APIError{Kind: core.ErrMalformedResponse, Op: method, Err: err}
	}

	if !apiResp.OK {
		code := apiResp.ErrorCode
		if code == 0 && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
			code = resp.StatusCode
		}
		apiErr := classify(method, code, apiResp.Description)
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return nil, apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(method, resp.StatusCode, apiResp.Description)
	}

	return apiResp.Result, nil
}

func classify(method string, code int, description string) *core.APIError {
	kind := core.ErrRemote
	switch {
	case code == http.StatusUnauthorized, code == http.StatusNotFound,
		strings.EqualFold(strings.TrimSpace(description), "Unauthorized"):
		kind = core.ErrUnauthorized
	case code == http.StatusTooManyRequests:
		kind = core.ErrRateLimited
	case code >= 500:
		kind = core.ErrNetwork
	}
	return &core.APIError{Kind: kind, Op: method, Code: code, Description: description}
}

// stripURL drops the request URL from net/http errors.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
