package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/louisbranch/dicechat/internal/chat"
	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
	"github.com/louisbranch/dicechat/internal/platform/timeouts"
	"github.com/louisbranch/dicechat/internal/position"
)

const maxResponseBytes = 4 << 20

// HistoryPage is one page of older messages.
type HistoryPage struct {
	Messages []chat.Message `json:"messages"`
	Complete bool           `json:"complete"`
}

// API calls the chat HTTP request layer. Failures are *apperrors.Error so
// callers can branch on the code and ask whether to retry.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI returns a client for the server at baseURL authenticating with
// token. A nil httpClient uses one with the default request timeout.
func NewAPI(baseURL, token string, httpClient *http.Client) (*API, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("parse base URL %q: invalid", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.Request}
	}
	return &API{baseURL: baseURL, token: token, http: httpClient}, nil
}

// Channel returns channel metadata and roster.
func (a *API) Channel(ctx context.Context, channelID string) (chat.Channel, []chat.Member, error) {
	var out struct {
		Channel chat.Channel  `json:"channel"`
		Members []chat.Member `json:"members"`
	}
	if err := a.get(ctx, channelPath(channelID), nil, &out); err != nil {
		return chat.Channel{}, nil, err
	}
	return out.Channel, out.Members, nil
}

// HistoryBefore returns up to limit messages positioned before before, or
// the newest messages when before is nil.
func (a *API) HistoryBefore(ctx context.Context, channelID string, before *position.Key, limit int) (HistoryPage, error) {
	query := url.Values{}
	if before != nil {
		query.Set("before", before.String())
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page HistoryPage
	if err := a.get(ctx, channelPath(channelID)+"/messages", query, &page); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

// Message looks up one message by id.
func (a *API) Message(ctx context.Context, channelID, messageID string) (chat.Message, error) {
	var out struct {
		Message chat.Message `json:"message"`
	}
	path := channelPath(channelID) + "/messages/" + url.PathEscape(messageID)
	if err := a.get(ctx, path, nil, &out); err != nil {
		return chat.Message{}, err
	}
	return out.Message, nil
}

// EventsAfter returns replayable events after cursor.
func (a *API) EventsAfter(ctx context.Context, channelID string, after chat.EventID, limit int) ([]chat.Envelope, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("after", after.String())
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []chat.Envelope `json:"events"`
	}
	if err := a.get(ctx, channelPath(channelID)+"/events", query, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (a *API) get(ctx context.Context, path string, query url.Values, out any) error {
	target := a.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "chat server unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "read response", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "decode response", err)
	}
	return nil
}

// responseError prefers the server's typed error body and falls back to the
// status code.
func responseError(status int, body []byte) *apperrors.Error {
	var payload struct {
		Error *apperrors.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != nil && payload.Error.Code != "" {
		return payload.Error
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	return apperrors.New(apperrors.CodeFromHTTPStatus(status), message)
}

func channelPath(channelID string) string {
	return "/v1/channels/" + url.PathEscape(channelID)
}
