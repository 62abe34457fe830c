package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAPIBase is the public platform API root.
	DefaultAPIBase = "https://qyapi.weixin.qq.com"

	defaultHTTPTimeout = 10 * time.Second
	maxResponseSize    = 1 << 20
	maxMediaSize       = 10 << 20
)

// Token is an access token as issued by the platform.
type Token struct {
	Value     string
	ExpiresIn time.Duration
}

// TextMessage is an outbound application text message.
type TextMessage struct {
	ToUser  string
	Content string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	APIBase string
	CorpID  string
	Secret  string
	AgentID int64
	Timeout time.Duration

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client calls the platform APIs for a single corp.
type Client struct {
	baseURL string
	corpID  string
	secret  string
	agentID int64
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: base,
		corpID:  cfg.CorpID,
		secret:  cfg.Secret,
		agentID: cfg.AgentID,
		http:    hc,
		logger:  logger,
	}
}

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

type tokenResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// FetchToken issues a new access token. Failures are returned as
// *CredentialError.
func (c *Client) FetchToken(ctx context.Context) (Token, error) {
	q := url.Values{}
	q.Set("corpid", c.corpID)
	q.Set("corpsecret", c.secret)

	var resp tokenResponse
	if err := c.getJSON(ctx, "/cgi-bin/gettoken", q, &resp); err != nil {
		return Token{}, &CredentialError{Err: err}
	}
	if resp.ErrCode != 0 {
		return Token{}, &CredentialError{Code: resp.ErrCode, Message: resp.ErrMsg}
	}
	if resp.AccessToken == "" {
		return Token{}, &CredentialError{Message: "response carried no access_token"}
	}

	c.logger.Debug("access token issued", "expires_in", resp.ExpiresIn)
	return Token{
		Value:     resp.AccessToken,
		ExpiresIn: time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

type sendRequest struct {
	ToUser  string   `json:"touser"`
	MsgType string   `json:"msgtype"`
	AgentID int64    `json:"agentid"`
	Text    sendText `json:"text"`
}

type sendText struct {
	Content string `json:"content"`
}

// SendText delivers msg through the application message API. A non-zero
// errcode is returned as *APIError.
func (c *Client) SendText(ctx context.Context, accessToken string, msg TextMessage) error {
	body, err := json.Marshal(sendRequest{
		ToUser:  msg.ToUser,
		MsgType: "text",
		AgentID: c.agentID,
		Text:    sendText{Content: msg.Content},
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	q := url.Values{}
	q.Set("access_token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/cgi-bin/message/send", q), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var status apiStatus
	if err := c.doJSON(req, &status); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if status.ErrCode != 0 {
		return &APIError{Op: "send message", Code: status.ErrCode, Message: status.ErrMsg}
	}
	return nil
}

// FetchMedia downloads a temporary media file by media id. It returns the
// bytes and the reported content type.
func (c *Client) FetchMedia(ctx context.Context, accessToken, mediaID string) ([]byte, string, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("media_id", mediaID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/cgi-bin/media/get", q), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create media request: %w", err)
	}
	data, contentType, err := c.download(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}

	// Errors come back as JSON with a 200 status.
	if isJSON(contentType) {
		var status apiStatus
		if err := json.Unmarshal(data, &status); err == nil && status.ErrCode != 0 {
			return nil, "", &APIError{Op: "fetch media", Code: status.ErrCode, Message: status.ErrMsg}
		}
	}
	return data, contentType, nil
}

// FetchURL downloads an image referenced by URL (PicUrl callbacks).
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	data, contentType, err := c.download(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", req.URL.Host, err)
	}
	return data, contentType, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	return c.baseURL + path + "?" + q.Encode()
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, q), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) download(req *http.Request) ([]byte, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || mediaType == "text/plain"
}
