package client

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const queueKey = "supabase_chats_pending_sync"

// DefaultTitle 新会话的占位标题。
const DefaultTitle = "New Conversation"

// DeriveTitle 用第一条用户消息生成会话标题：标题已经改过或会话里
// 已有消息时保持原样；空消息用 "[Image]" 占位；截断到 48 个字符，
// 截断后为空则回退到占位标题。
func DeriveTitle(current string, messageCount int, firstMessage string) string {
	if current != DefaultTitle || messageCount > 0 {
		return current
	}
	title := firstMessage
	if title == "" {
		title = "[Image]"
	}
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > 48 {
		title = string(r[:48])
	}
	if title == "" {
		return DefaultTitle
	}
	return title
}

// PendingChat 待同步的单个会话全量快照。
type PendingChat struct {
	ChatID      string          `json:"chat_id"`
	Title       string          `json:"title"`
	ZipFileURL  string          `json:"zip_file_url"`
	VectorCount int             `json:"vector_count"`
	Chat        json.RawMessage `json:"chat"`
}

// SyncQueue 按 chat_id 积压会话，后端确认成功后按发送快照移除条目。
// 刷新失败时队列原样保留，重试由调用方驱动，这里不做退避循环。
type SyncQueue struct {
	mu    sync.Mutex
	store Store
	m     map[string]PendingChat
}

func NewSyncQueue(store Store) *SyncQueue {
	q := &SyncQueue{store: store, m: make(map[string]PendingChat)}
	if raw, ok := store.Get(queueKey); ok {
		// 脏数据当作空队列，不影响启动。
		if err := json.Unmarshal([]byte(raw), &q.m); err != nil {
			q.m = make(map[string]PendingChat)
		}
	}
	return q
}

// Put 记录（或覆盖）一个会话的最新状态。
func (q *SyncQueue) Put(chat PendingChat) {
	if chat.ChatID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[chat.ChatID] = chat
	q.persistLocked()
}

// Len 当前积压条数。
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.m)
}

// Pending 返回积压快照，顺序不保证。
func (q *SyncQueue) Pending() []PendingChat {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingChat, 0, len(q.m))
	for _, c := range q.m {
		out = append(out, c)
	}
	return out
}

func (q *SyncQueue) persistLocked() {
	b, err := json.Marshal(q.m)
	if err != nil {
		return
	}
	if err := q.store.Set(queueKey, string(b)); err != nil {
		log.Error().Err(err).Msg("persist sync queue")
	}
}

// Flush 把当前积压的快照发给后端。只有后端确认成功才移除条目，
// 且只移除本次真正送出且期间未被改写的条目：发送窗口里新增或
// 覆盖的会话留在队列里等下一轮。
func (q *SyncQueue) Flush(ctx context.Context, backend *Backend, token string) error {
	q.mu.Lock()
	snapshot := make(map[string]PendingChat, len(q.m))
	chats := make([]PendingChat, 0, len(q.m))
	for id, c := range q.m {
		snapshot[id] = c
		chats = append(chats, c)
	}
	q.mu.Unlock()
	if len(chats) == 0 {
		return nil
	}

	log.Info().Int("count", len(chats)).Msg("syncing pending chats")
	if err := backend.syncChats(ctx, token, chats); err != nil {
		// 失败保留队列，下次调用重试，不丢数据。
		log.Error().Err(err).Msg("chat sync failed")
		return err
	}

	q.mu.Lock()
	for id, sent := range snapshot {
		if cur, ok := q.m[id]; ok && samePending(cur, sent) {
			delete(q.m, id)
		}
	}
	if len(q.m) == 0 {
		if err := q.store.Delete(queueKey); err != nil {
			log.Error().Err(err).Msg("clear sync queue")
		}
	} else {
		q.persistLocked()
	}
	q.mu.Unlock()
	return nil
}

func samePending(a, b PendingChat) bool {
	return a.ChatID == b.ChatID &&
		a.Title == b.Title &&
		a.ZipFileURL == b.ZipFileURL &&
		a.VectorCount == b.VectorCount &&
		bytes.Equal(a.Chat, b.Chat)
}

// FlushAsync 退出路径上的 fire-and-forget 投递：
// 不等响应、不重试，best effort 就是全部契约。
func (q *SyncQueue) FlushAsync(backend *Backend, token string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Flush(ctx, backend, token)
	}()
}

func (b *Backend) syncChats(ctx context.Context, token string, chats []PendingChat) error {
	body := map[string]interface{}{"chats": chats}
	return b.postJSON(ctx, "/api/chats/sync", token, body, nil)
}
