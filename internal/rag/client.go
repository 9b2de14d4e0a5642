package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// API 推理服务的调用面。服务本身是不透明的 HTTP 协作方，
// 这里只做请求成形与状态透传，不重试。
type API interface {
	Chat(ctx context.Context, req ChatRequest) (*Upstream, error)
	CloseChat(ctx context.Context, userID, chatID string) (*Upstream, error)
	MergeChats(ctx context.Context, req MergeRequest) (*Upstream, error)
}

// ChatRequest 转发给推理服务的 /chat 载荷。
// has_image / image_name 按上游约定用字符串，"false" 表示无图。
type ChatRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	ModelName string `json:"model_name"`
	Question  string `json:"question"`
	HasImage  string `json:"has_image"`
	ImageName string `json:"image_name"`
}

type MergeRequest struct {
	UserID       string   `json:"user_id"`
	NewChatID    string   `json:"new_chat_id"`
	MergeChatIDs []string `json:"merge_chat_ids"`
}

// Upstream 上游响应的原样快照，status 与 body 都由 handler 透传。
type Upstream struct {
	Status int
	Body   []byte
}

// OK 上游是否返回 2xx。
func (u *Upstream) OK() bool {
	return u.Status >= 200 && u.Status < 300
}

// Detail 截断后的响应摘要，用于日志和错误信封。
func (u *Upstream) Detail() string {
	return Truncate(string(u.Body), 300)
}

func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type Client struct {
	baseURL      string
	chatTimeout  time.Duration
	closeTimeout time.Duration
	hc           *http.Client
}

// NewClient timeoutSeconds 作用于 chat/merge；close_chat 固定少 5 秒，
// 与上游历史行为保持一致。
func NewClient(baseURL string, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	closeSeconds := timeoutSeconds - 5
	if closeSeconds <= 0 {
		closeSeconds = timeoutSeconds
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		chatTimeout:  time.Duration(timeoutSeconds) * time.Second,
		closeTimeout: time.Duration(closeSeconds) * time.Second,
		hc:           &http.Client{},
	}
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Upstream, error) {
	return c.forward(ctx, "/chat", req, c.chatTimeout)
}

func (c *Client) CloseChat(ctx context.Context, userID, chatID string) (*Upstream, error) {
	body := map[string]string{"user_id": userID, "chat_id": chatID}
	return c.forward(ctx, "/close_chat", body, c.closeTimeout)
}

func (c *Client) MergeChats(ctx context.Context, req MergeRequest) (*Upstream, error) {
	return c.forward(ctx, "/merge_chats", req, c.chatTimeout)
}

// forward 单次转发，超时由每次调用的 context 控制，永不重试。
func (c *Client) forward(ctx context.Context, path string, payload interface{}, timeout time.Duration) (*Upstream, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Upstream{Status: resp.StatusCode, Body: body}, nil
}
