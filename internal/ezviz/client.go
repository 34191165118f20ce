// Package ezviz talks to the EZVIZ open platform alarm API.
package ezviz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/your-org/platelog/internal/config"
	"github.com/your-org/platelog/internal/models"
)

const (
	alarmListPath = "/api/lapp/alarm/device/list"
	tokenPath     = "/api/lapp/token/get"

	codeSuccess      = "200"
	codeTokenExpired = "10002"
	codeTokenInvalid = "10001"

	tokenCacheKey = "access_token"
	// tokens are refreshed this long before the platform expires them
	tokenExpiryMargin = 5 * time.Minute
)

// FetchError reports a failed alarm or token request. Code and Message
// carry the upstream values when the platform answered.
type FetchError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("ezviz request failed (http %d): %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("ezviz request failed: %v", e.Err)
	default:
		return fmt.Sprintf("ezviz returned code %s: %s", e.Code, e.Message)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// PageRequest selects one page of alarms for a device.
type PageRequest struct {
	DeviceSerial string
	PageSize     int
	PageStart    int
	StartTime    time.Time
	EndTime      time.Time
}

// AlarmPage is one page of raw alarm records in upstream order.
type AlarmPage struct {
	Alarms []models.AlarmRecord
	Total  int // -1 when the platform did not report a total
	Page   int
	Size   int
}

type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	appKey      string
	appSecret   string
	tokens      *cache.Cache
}

func NewClient(cfg config.EZVIZConfig) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		appKey:      cfg.AppKey,
		appSecret:   cfg.AppSecret,
		tokens:      cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// HTTPClient exposes the underlying client so tests can mock transport.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

type codeString string

func (c *codeString) UnmarshalJSON(data []byte) error {
	var f models.FlexString
	if err := f.UnmarshalJSON(data); err != nil {
		return err
	}
	*c = codeString(f)
	return nil
}

type envelope struct {
	Code codeString      `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
	Page *struct {
		Total int `json:"total"`
		Page  int `json:"page"`
		Size  int `json:"size"`
	} `json:"page"`
}

// ListAlarms fetches one page of alarms. Any non-success response is a *FetchError.
func (c *Client) ListAlarms(ctx context.Context, req PageRequest) (*AlarmPage, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("accessToken", token)
	form.Set("deviceSerial", req.DeviceSerial)
	form.Set("pageSize", strconv.Itoa(req.PageSize))
	form.Set("pageStart", strconv.Itoa(req.PageStart))
	if !req.StartTime.IsZero() {
		form.Set("startTime", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}
	if !req.EndTime.IsZero() {
		form.Set("endTime", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}

	env, err := c.post(ctx, alarmListPath, form)
	if err != nil {
		return nil, err
	}
	if env.Code != codeSuccess {
		if env.Code == codeTokenExpired || env.Code == codeTokenInvalid {
			c.tokens.Delete(tokenCacheKey)
		}
		return nil, &FetchError{Code: string(env.Code), Message: env.Msg}
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '[' {
		return nil, &FetchError{Code: string(env.Code), Message: "no alarm data received"}
	}

	page := &AlarmPage{Total: -1, Page: req.PageStart, Size: req.PageSize}
	if err := json.Unmarshal(data, &page.Alarms); err != nil {
		return nil, &FetchError{Code: string(env.Code), Err: fmt.Errorf("decode alarms: %w", err)}
	}
	if env.Page != nil {
		page.Total = env.Page.Total
		page.Page = env.Page.Page
		page.Size = env.Page.Size
	}

	slog.Debug("fetched alarm page", "device", req.DeviceSerial, "page_start", req.PageStart, "count", len(page.Alarms), "total", page.Total)
	return page, nil
}

// token returns the configured access token, or one obtained from the app
// credentials and cached until shortly before it expires.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.accessToken != "" {
		return c.accessToken, nil
	}
	if cached, ok := c.tokens.Get(tokenCacheKey); ok {
		return cached.(string), nil
	}
	if c.appKey == "" || c.appSecret == "" {
		return "", &FetchError{Err: fmt.Errorf("no access token or app credentials configured")}
	}

	form := url.Values{}
	form.Set("appKey", c.appKey)
	form.Set("appSecret", c.appSecret)

	env, err := c.post(ctx, tokenPath, form)
	if err != nil {
		return "", err
	}
	if env.Code != codeSuccess {
		return "", &FetchError{Code: string(env.Code), Message: env.Msg}
	}

	var data struct {
		AccessToken string `json:"accessToken"`
		ExpireTime  int64  `json:"expireTime"` // epoch ms
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AccessToken == "" {
		return "", &FetchError{Code: string(env.Code), Message: "token missing from response"}
	}

	ttl := cache.DefaultExpiration
	if data.ExpireTime > 0 {
		ttl = time.Until(time.UnixMilli(data.ExpireTime)) - tokenExpiryMargin
		if ttl <= 0 {
			ttl = time.Minute
		}
	}
	c.tokens.Set(tokenCacheKey, data.AccessToken, ttl)
	slog.Info("obtained ezviz access token", "expires_in", ttl)
	return data.AccessToken, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (*envelope, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("returned %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &env, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
