package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const sessionKey = "auth_state"

// User 会话里保存的用户摘要。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// State 客户端会话状态。ExpiresAt 为毫秒时间戳，0 表示未知。
type State struct {
	User         *User  `json:"user"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Authenticated token 非空即视为已登录。
func (s State) Authenticated() bool { return s.Token != "" }

// Backend 指向后端代理的调用端。
type Backend struct {
	baseURL string
	hc      *http.Client
}

func NewBackend(baseURL string) *Backend {
	return &Backend{baseURL: strings.TrimRight(baseURL, "/"), hc: &http.Client{Timeout: 15 * time.Second}}
}

// SessionManager 维护会话生命周期：
// restoring → (authenticated | anonymous) → 登出/过期回到 anonymous。
type SessionManager struct {
	mu       sync.Mutex
	store    Store
	backend  *Backend
	state    State
	timer    *time.Timer
	hydrated bool

	// OnExpire 过期触发的静默登出完成后回调，可为 nil。
	OnExpire func()
}

func NewSessionManager(store Store, backend *Backend) *SessionManager {
	return &SessionManager{store: store, backend: backend}
}

// Hydrate 启动时从持久化存储恢复会话，只执行一次。
// 解析失败回退到匿名态并清掉脏数据，绝不因此报错。
func (m *SessionManager) Hydrate() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hydrated {
		return m.state
	}
	m.hydrated = true

	raw, ok := m.store.Get(sessionKey)
	if !ok {
		return m.state
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		log.Warn().Err(err).Msg("restore session failed, resetting")
		m.persistLocked(State{})
		return m.state
	}
	m.persistLocked(st)
	return m.state
}

// SetSession 写入新会话并重排过期定时器。
func (m *SessionManager) SetSession(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked(st)
}

// Current 返回当前会话快照。
func (m *SessionManager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// persistLocked token 非空才落盘，为空删除持久化副本。调用方持锁。
func (m *SessionManager) persistLocked(st State) {
	m.state = st
	if st.Token != "" {
		b, err := json.Marshal(st)
		if err == nil {
			if err := m.store.Set(sessionKey, string(b)); err != nil {
				log.Error().Err(err).Msg("persist session")
			}
		}
	} else {
		if err := m.store.Delete(sessionKey); err != nil {
			log.Error().Err(err).Msg("clear persisted session")
		}
	}
	m.rescheduleLocked()
}

// rescheduleLocked 单个定时器盯住绝对过期时间，时间一到静默登出。
func (m *SessionManager) rescheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.state.Token == "" || m.state.ExpiresAt == 0 {
		return
	}
	remaining := time.Until(time.UnixMilli(m.state.ExpiresAt))
	if remaining <= 0 {
		go m.expire()
		return
	}
	m.timer = time.AfterFunc(remaining, m.expire)
}

func (m *SessionManager) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.Logout(ctx, true)
	if m.OnExpire != nil {
		m.OnExpire()
	}
}

// Close 释放定时器，客户端退出时调用。
func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Logout 通知后端登出。无论后端是否可达，本地会话一定被清掉；
// 返回的错误只决定是否提示用户，silent 时调用方应忽略。
func (m *SessionManager) Logout(ctx context.Context, silent bool) error {
	m.mu.Lock()
	token := m.state.Token
	m.mu.Unlock()

	err := m.backend.logout(ctx, token)
	if err != nil && !silent {
		log.Error().Err(err).Msg("logout request failed")
	}

	m.mu.Lock()
	m.persistLocked(State{})
	m.mu.Unlock()
	return err
}

// OAuthTokens OAuth 回跳 URL fragment 里携带的令牌参数。
type OAuthTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// ParseOAuthFragment 解析 "#access_token=..." 形式的 fragment。
// 没有 access_token 时返回 nil。
func ParseOAuthFragment(fragment string) *OAuthTokens {
	raw := strings.TrimPrefix(fragment, "#")
	params, err := url.ParseQuery(raw)
	if err != nil {
		return nil
	}
	access := params.Get("access_token")
	if access == "" {
		return nil
	}
	t := &OAuthTokens{AccessToken: access, RefreshToken: params.Get("refresh_token")}
	if v := params.Get("expires_in"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.ExpiresIn = n
		}
	}
	return t
}

// StripFragment 无条件去掉 URL 的 fragment。
// 解析成功与否都要清理，避免令牌残留在可见地址里。
func StripFragment(rawURL string) string {
	if i := strings.Index(rawURL, "#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// HandleRedirect 处理 OAuth 回跳：返回去掉 fragment 的干净 URL；
// 仅当 fragment 里解析出 access_token 时才向后端换取规范会话。
func (m *SessionManager) HandleRedirect(ctx context.Context, rawURL string) (string, error) {
	clean := StripFragment(rawURL)
	i := strings.Index(rawURL, "#")
	if i < 0 {
		return clean, nil
	}
	tokens := ParseOAuthFragment(rawURL[i:])
	if tokens == nil {
		return clean, nil
	}
	return clean, m.FinalizeOAuth(ctx, tokens)
}

// FinalizeOAuth 用回跳令牌换取规范会话并写入本地状态。
func (m *SessionManager) FinalizeOAuth(ctx context.Context, tokens *OAuthTokens) error {
	resp, err := m.backend.exchangeSession(ctx, tokens)
	if err != nil {
		return err
	}
	var expiresAt int64
	switch {
	case resp.ExpiresAt != nil:
		expiresAt = *resp.ExpiresAt * 1000
	case tokens.ExpiresIn > 0:
		expiresAt = time.Now().UnixMilli() + tokens.ExpiresIn*1000
	}
	token := resp.Token
	if token == "" {
		token = tokens.AccessToken
	}
	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = tokens.RefreshToken
	}
	m.SetSession(State{User: resp.User, Token: token, RefreshToken: refresh, ExpiresAt: expiresAt})
	return nil
}

type sessionResponse struct {
	User         *User  `json:"user"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    *int64 `json:"expires_at"`
}

func (b *Backend) exchangeSession(ctx context.Context, tokens *OAuthTokens) (*sessionResponse, error) {
	body := map[string]interface{}{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
	}
	if tokens.ExpiresIn > 0 {
		body["expires_in"] = tokens.ExpiresIn
	}
	var out sessionResponse
	if err := b.postJSON(ctx, "/api/auth/session", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Backend) logout(ctx context.Context, token string) error {
	return b.postJSON(ctx, "/api/auth/logout", token, map[string]string{}, nil)
}

func (b *Backend) postJSON(ctx context.Context, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("backend: %s (status %d)", e.Error, resp.StatusCode)
		}
		return errors.New("backend: unexpected status " + strconv.Itoa(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
