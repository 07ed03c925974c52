package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/esasync/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultPushTimeout  = 120 * time.Second
	defaultPullTimeout  = 60 * time.Second
	defaultLoginTimeout = 30 * time.Second
	maxErrorBody        = 4 << 10
)

var (
	errMissingBaseURL = errors.New("remote: server url is required")
	// ErrMissingToken indicates a protected call without a bearer token.
	ErrMissingToken = errors.New("remote: bearer token is required")
)

// Error classifies a failed exchange with the server. Retryable is true for timeouts, connection
// failures, 429 and 5xx answers; every other failure is fatal for the current pass.
type Error struct {
	Operation  string
	StatusCode int
	Code       string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("remote: %s: http %d (%s): %v", e.Operation, e.StatusCode, e.Code, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote: %s: http %d: %v", e.Operation, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("remote: %s: %v", e.Operation, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err wraps a transient transport failure.
func IsRetryable(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Retryable
}

// IsUnauthorized reports whether the server rejected the bearer token.
func IsUnauthorized(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusUnauthorized
}

// Config describes a Client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	PushTimeout time.Duration
	PullTimeout time.Duration
	Logger      *zap.Logger
}

// Client talks to the sync server over HTTP.
type Client struct {
	baseURL     *url.URL
	http        *http.Client
	pushTimeout time.Duration
	pullTimeout time.Duration
	logger      *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid server url %q: %w", raw, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", baseURL.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	pushTimeout := cfg.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = defaultPushTimeout
	}
	pullTimeout := cfg.PullTimeout
	if pullTimeout <= 0 {
		pullTimeout = defaultPullTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		http:        httpClient,
		pushTimeout: pushTimeout,
		pullTimeout: pullTimeout,
		logger:      logger,
	}, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (protocol.LoginResponse, error) {
	var response protocol.LoginResponse
	request := protocol.LoginRequest{Username: username, Password: password}
	err := c.exchange(ctx, "login", http.MethodPost, protocol.PathLogin, nil, "", request, &response, defaultLoginTimeout)
	return response, err
}

// Push sends one table's dirty batch and returns the per-record decisions.
func (c *Client) Push(ctx context.Context, token string, batch protocol.PushRequest) (protocol.PushResponse, error) {
	var response protocol.PushResponse
	if strings.TrimSpace(token) == "" {
		return response, &Error{Operation: "push", Err: ErrMissingToken}
	}
	err := c.exchange(ctx, "push", http.MethodPost, protocol.PathPush, nil, token, batch, &response, c.pushTimeout)
	if err != nil {
		return protocol.PushResponse{}, err
	}
	if len(response.Results) != len(batch.Records) {
		return protocol.PushResponse{}, &Error{
			Operation: "push",
			Err:       fmt.Errorf("expected %d results, got %d", len(batch.Records), len(response.Results)),
		}
	}
	return response, nil
}

// Pull fetches the records of the table the server changed at or after since. A zero since
// requests the whole table.
func (c *Client) Pull(ctx context.Context, token, table string, since time.Time) (protocol.PullResponse, error) {
	var response protocol.PullResponse
	if strings.TrimSpace(token) == "" {
		return response, &Error{Operation: "pull", Err: ErrMissingToken}
	}
	query := url.Values{}
	if formatted := protocol.FormatSince(since); formatted != "" {
		query.Set(protocol.QuerySince, formatted)
	}
	path := protocol.PathPullPrefix + url.PathEscape(table)
	err := c.exchange(ctx, "pull "+table, http.MethodGet, path, query, token, nil, &response, c.pullTimeout)
	return response, err
}

func (c *Client) exchange(ctx context.Context, operation, method, path string, query url.Values, token string, body any, target any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	endpoint.RawQuery = query.Encode()

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Operation: operation, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return &Error{Operation: operation, Err: err}
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", protocol.TokenType+" "+token)
	}

	started := time.Now()
	response, err := c.http.Do(request)
	if err != nil {
		return &Error{Operation: operation, Retryable: isTransient(err), Err: err}
	}
	defer response.Body.Close()

	c.logger.Debug("server exchange",
		zap.String("operation", operation),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeFailure(operation, response)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return &Error{Operation: operation, StatusCode: response.StatusCode, Retryable: isTransient(err), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func decodeFailure(operation string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var payload protocol.ErrorResponse
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	return &Error{
		Operation:  operation,
		StatusCode: response.StatusCode,
		Code:       payload.Code,
		Retryable:  response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests,
		Err:        errors.New(message),
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
