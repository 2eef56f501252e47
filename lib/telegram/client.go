// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram is a small Bot API client: long polling, sending,
// editing, and deleting messages, answering button presses, and
// downloading voice notes.
//
// Every request passes through a global rate limiter and a per-chat
// limiter (golang.org/x/time/rate) so progress edits from many threads
// stay under Telegram's flood limits. A 429 that still gets through is
// retried after the server's retry_after, up to Config.MaxRetries.
//
// The bot token appears in every request URL. The client redacts it
// from every error it returns and never logs a URL.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/netutil"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

const (
	// DefaultGlobalRate is Telegram's documented bulk limit.
	DefaultGlobalRate rate.Limit = 30

	// DefaultChatRate allows one message per second per chat on
	// average, with short bursts.
	DefaultChatRate  rate.Limit = 1
	defaultChatBurst            = 5

	// DefaultMaxRetries bounds flood-control retries per call.
	DefaultMaxRetries = 2

	// MaxDownloadSize is the Bot API's getFile limit.
	MaxDownloadSize int64 = 20 << 20
)

// Config configures a Client.
type Config struct {
	// Token is the bot token from BotFather. Required.
	Token string

	// BaseURL overrides DefaultBaseURL (tests point it at httptest).
	BaseURL string

	// HTTPClient is used for all requests. Nil uses a client without
	// an overall timeout; long polls are bounded by their context.
	HTTPClient *http.Client

	// Clock times flood-control waits. Nil uses the real clock.
	Clock clock.Clock

	// Logger is used for structured logging. Nil uses slog.Default().
	Logger *slog.Logger

	// GlobalRate and ChatRate override the default limits. rate.Inf
	// disables a limiter.
	GlobalRate rate.Limit
	ChatRate   rate.Limit

	// MaxRetries overrides DefaultMaxRetries. Negative disables
	// retries.
	MaxRetries int
}

// Client is a Bot API client. Safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
	maxRetries int

	global   *rate.Limiter
	chatRate rate.Limit

	chatMutex    sync.Mutex
	chatLimiters map[int64]*rate.Limiter
}

// NewClient creates a Client.
func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.Token) == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("telegram: invalid base URL %q: %w", baseURL, err)
	}

	client := &Client{
		token:        config.Token,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   config.HTTPClient,
		clock:        config.Clock,
		logger:       config.Logger,
		maxRetries:   config.MaxRetries,
		chatRate:     config.ChatRate,
		chatLimiters: make(map[int64]*rate.Limiter),
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	if client.maxRetries == 0 {
		client.maxRetries = DefaultMaxRetries
	}
	globalRate := config.GlobalRate
	if globalRate == 0 {
		globalRate = DefaultGlobalRate
	}
	client.global = rate.NewLimiter(globalRate, max(1, int(globalRate)))
	if client.chatRate == 0 {
		client.chatRate = DefaultChatRate
	}
	return client, nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var user User
	err := c.call(ctx, "getMe", 0, nil, &user)
	return user, err
}

// GetUpdates long-polls for updates with update_id >= offset. timeout
// is the server-side poll duration; ctx should allow somewhat longer.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	request := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	// Polling is not a chat-scoped action and is paced by the server.
	err := c.do(ctx, "getUpdates", request, &updates)
	return updates, err
}

// SendMessage sends a message and returns it as delivered.
func (c *Client) SendMessage(ctx context.Context, request SendMessageRequest) (Message, error) {
	var message Message
	err := c.call(ctx, "sendMessage", request.ChatID, request, &message)
	return message, err
}

// EditMessageText replaces a message's text. An edit that changes
// nothing succeeds.
func (c *Client) EditMessageText(ctx context.Context, request EditMessageTextRequest) error {
	var ignored json.RawMessage
	err := c.call(ctx, "editMessageText", request.ChatID, request, &ignored)
	if IsNotModified(err) {
		return nil
	}
	return err
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	request := map[string]any{"chat_id": chatID, "message_id": messageID}
	var ignored bool
	return c.call(ctx, "deleteMessage", chatID, request, &ignored)
}

// AnswerCallbackQuery acknowledges a button press, optionally showing
// text as a toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error {
	request := map[string]any{"callback_query_id": callbackQueryID}
	if text != "" {
		request["text"] = text
	}
	var ignored bool
	return c.do(ctx, "answerCallbackQuery", request, &ignored)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var file File
	err := c.do(ctx, "getFile", map[string]any{"file_id": fileID}, &file)
	return file, err
}

// DownloadFile fetches a file previously resolved with GetFile.
func (c *Client) DownloadFile(ctx context.Context, file File) ([]byte, error) {
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram: file %s has no download path", file.FileID)
	}
	if file.FileSize > MaxDownloadSize {
		return nil, fmt.Errorf("telegram: file %s is %d bytes, over the %d byte limit", file.FileID, file.FileSize, MaxDownloadSize)
	}
	if err := c.global.Wait(ctx); err != nil {
		return nil, err
	}

	requestURL := c.baseURL + "/file/bot" + c.token + "/" + strings.TrimLeft(file.FilePath, "/")
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, c.redact(fmt.Errorf("telegram: creating download request: %w", err))
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, c.redact(fmt.Errorf("telegram: downloading %s: %w", file.FileID, err))
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: downloading %s: HTTP %d: %s",
			file.FileID, response.StatusCode, c.redactString(netutil.ErrorBody(response.Body)))
	}
	data, err := netutil.ReadLimited(response.Body, MaxDownloadSize)
	if err != nil {
		return nil, fmt.Errorf("telegram: downloading %s: %w", file.FileID, err)
	}
	return data, nil
}

// call is do behind the per-chat limiter.
func (c *Client) call(ctx context.Context, method string, chatID int64, request, result any) error {
	if chatID != 0 {
		if err := c.chatLimiter(chatID).Wait(ctx); err != nil {
			return err
		}
	}
	return c.do(ctx, method, request, result)
}

func (c *Client) chatLimiter(chatID int64) *rate.Limiter {
	c.chatMutex.Lock()
	defer c.chatMutex.Unlock()
	limiter, ok := c.chatLimiters[chatID]
	if !ok {
		limiter = rate.NewLimiter(c.chatRate, defaultChatBurst)
		c.chatLimiters[chatID] = limiter
	}
	return limiter
}

// do performs one Bot API method, retrying flood-control rejections.
func (c *Client) do(ctx context.Context, method string, request, result any) error {
	for attempt := 0; ; attempt++ {
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
		err := c.doOnce(ctx, method, request, result)

		var apiError *APIError
		if !errors.As(err, &apiError) || apiError.RetryAfter <= 0 || attempt >= c.maxRetries {
			return err
		}
		c.logger.Warn("telegram flood control, backing off",
			"method", method,
			"retry_after", apiError.RetryAfter,
			"attempt", attempt+1,
		)
		select {
		case <-c.clock.After(apiError.RetryAfter):
		case <-ctx.Done():
			return err
		}
	}
}

// envelope is the Bot API response wrapper.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter      int   `json:"retry_after"`
		MigrateToChatID int64 `json:"migrate_to_chat_id"`
	} `json:"parameters"`
}

func (c *Client) doOnce(ctx context.Context, method string, requestBody, result any) error {
	var body bytes.Buffer
	if requestBody != nil {
		if err := json.NewEncoder(&body).Encode(requestBody); err != nil {
			return fmt.Errorf("telegram: encoding %s request: %w", method, err)
		}
	} else {
		body.WriteString("{}")
	}

	requestURL := c.baseURL + "/bot" + c.token + "/" + method
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, &body)
	if err != nil {
		return c.redact(fmt.Errorf("telegram: creating %s request: %w", method, err))
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return c.redact(fmt.Errorf("telegram: %s: %w", method, err))
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("telegram: reading %s response: %w", method, err)
	}

	var decoded envelope
	if err := json.Unmarshal(responseBody, &decoded); err != nil {
		return fmt.Errorf("telegram: unexpected %d response from %s: %s",
			response.StatusCode, method, c.redactString(truncate(string(responseBody), 512)))
	}
	if !decoded.OK {
		apiError := &APIError{
			Method:      method,
			Code:        decoded.ErrorCode,
			Description: decoded.Description,
		}
		if apiError.Code == 0 {
			apiError.Code = response.StatusCode
		}
		if decoded.Parameters != nil {
			apiError.RetryAfter = time.Duration(decoded.Parameters.RetryAfter) * time.Second
			apiError.MigrateToChatID = decoded.Parameters.MigrateToChatID
		}
		return apiError
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("telegram: decoding %s result: %w", method, err)
	}
	return nil
}

// redact removes the bot token from err's message, including the URL
// inside a *url.Error.
func (c *Client) redact(err error) error {
	var urlError *url.Error
	if errors.As(err, &urlError) {
		urlError.URL = c.redactString(urlError.URL)
	}
	if !strings.Contains(err.Error(), c.token) {
		return err
	}
	return redactedError{message: c.redactString(err.Error()), cause: err}
}

func (c *Client) redactString(text string) string {
	return strings.ReplaceAll(text, c.token, "<redacted>")
}

// redactedError keeps the error chain for errors.Is/As while hiding
// the token in its message.
type redactedError struct {
	message string
	cause   error
}

func (e redactedError) Error() string { return e.message }
func (e redactedError) Unwrap() error { return e.cause }

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "…"
}
