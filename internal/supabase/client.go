package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthAPI 认证服务的调用面，handler 依赖该接口便于测试替换。
type AuthAPI interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*SignupResult, error)
	GetUser(ctx context.Context, accessToken string) (*User, error)
	SignOut(ctx context.Context, accessToken string) error
	AuthorizeURL(provider string) string
}

// StorageAPI 对象存储的调用面。
type StorageAPI interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
}

// UserMetadata OAuth 登录时认证服务附带的元数据字段。
type UserMetadata struct {
	FullName  string `json:"full_name"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Picture   string `json:"picture"`
	Username  string `json:"username"`
}

type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	CreatedAt    string       `json:"created_at"`
	UserMetadata UserMetadata `json:"user_metadata"`
}

type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *User  `json:"user"`
}

type SignupResult struct {
	User               *User
	ConfirmationSentAt string
}

// APIError 认证/存储服务返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase: %s (status %d)", e.Message, e.Status)
}

// Client 每进程构造一次，由上层显式注入，不做包级单例。
type Client struct {
	baseURL      string
	key          string
	redirectTo   string
	hc           *http.Client
	authorizeURL func(provider, redirectTo string) string
}

type Option func(*Client)

// WithHTTPClient 覆盖默认 HTTP 客户端，测试时注入短超时。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLegacyAuthorize 切换到旧版 authorize 调用形状。
// 新旧网关对 redirect 参数名不一致，启动时确定一次策略，
// 不在请求路径里做 try/fallback。
func WithLegacyAuthorize() Option {
	return func(c *Client) { c.authorizeURL = legacyAuthorizeURL(c.baseURL) }
}

func NewClient(baseURL, key string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
	c.authorizeURL = defaultAuthorizeURL(c.baseURL)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultAuthorizeURL(base string) func(provider, redirectTo string) string {
	return func(provider, redirectTo string) string {
		q := url.Values{}
		q.Set("provider", provider)
		if redirectTo != "" {
			q.Set("redirect_to", redirectTo)
		}
		return base + "/auth/v1/authorize?" + q.Encode()
	}
}

func legacyAuthorizeURL(base string) func(provider, redirectTo string) string {
	return func(provider, redirectTo string) string {
		q := url.Values{}
		q.Set("provider", provider)
		if redirectTo != "" {
			q.Set("redirect_uri", redirectTo)
		}
		return base + "/auth/v1/authorize?" + q.Encode()
	}
}

// WithOAuthRedirect 配置 OAuth 完成后的回跳地址，可为空。
func WithOAuthRedirect(u string) Option {
	return func(c *Client) { c.redirectTo = u }
}

func (c *Client) AuthorizeURL(provider string) string {
	return c.authorizeURL(provider, c.redirectTo)
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var sess Session
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*SignupResult, error) {
	body := map[string]string{"email": email, "password": password}
	// signup 的响应形状随「是否需要邮箱确认」变化：
	// 需要确认时直接返回 user 对象，否则返回带 user 的 session。
	var raw struct {
		ID                 string       `json:"id"`
		Email              string       `json:"email"`
		CreatedAt          string       `json:"created_at"`
		UserMetadata       UserMetadata `json:"user_metadata"`
		User               *User        `json:"user"`
		ConfirmationSentAt string       `json:"confirmation_sent_at"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", "", body, &raw); err != nil {
		return nil, err
	}
	user := raw.User
	if user == nil {
		user = &User{ID: raw.ID, Email: raw.Email, CreatedAt: raw.CreatedAt, UserMetadata: raw.UserMetadata}
	}
	return &SignupResult{User: user, ConfirmationSentAt: raw.ConfirmationSentAt}, nil
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

// Upload 上传对象，x-upsert 允许覆盖同名路径。
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	endpoint := c.baseURL + "/storage/v1/object/" + bucket + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.key)
	if bearer == "" {
		bearer = c.key
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeAPIError 尽力从响应里取出可读的错误消息。
// 网关不同版本的错误字段名不一致，按优先级逐个尝试。
func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
		ErrorField       string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(b, &payload) == nil {
		for _, candidate := range []string{payload.Message, payload.Msg, payload.ErrorDescription, payload.ErrorField} {
			if candidate != "" {
				msg = candidate
				break
			}
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(b))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
