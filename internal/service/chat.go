package service

import (
	"errors"
	"regexp"

	"ragrelay/internal/metrics"
	"ragrelay/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 只接受标准 8-4-4-4-12 形式的 UUID，其他形式一律视为非法。
var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidChatID 判断 chat_id 是否为合法 UUID 格式（大小写不敏感）。
func ValidChatID(id string) bool {
	if len(id) != 36 {
		return false
	}
	lowered := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lowered[i] = c
	}
	return uuidRe.Match(lowered)
}

// ChatService 封装 chats 表的创建/更新逻辑。
type ChatService struct {
	db *gorm.DB
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{db: db}
}

// ChatPayload 上游提交的部分 chat 数据，缺省值在写入时补齐。
type ChatPayload struct {
	Title       string         `json:"title"`
	ZipFileURL  string         `json:"zip_file_url"`
	VectorCount int            `json:"vector_count"`
	Chat        datatypes.JSON `json:"chat"`
}

// UpsertResult 返回最终使用的 chat_id、写入的记录以及本次是创建还是更新。
type UpsertResult struct {
	ChatID  string
	Record  *models.Chat
	Created bool
}

// Upsert 按归属解析 chat_id 并写入 chats 表。
//
// proposedID 非法或不属于 ownerID 时丢弃并生成新 ID 走创建路径，
// 不报归属冲突。existence check 与写入之间存在竞态窗口，
// 与上游约定保持 check-then-act 的形状，不引入事务。
func (s *ChatService) Upsert(ownerID, proposedID string, payload ChatPayload) (*UpsertResult, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	chatID := proposedID
	isNew := false
	if chatID != "" {
		if !ValidChatID(chatID) {
			log.Warn().Str("chat_id", chatID).Msg("invalid chat id format, generating new one")
			chatID = uuid.NewString()
			isNew = true
		} else if !s.owned(chatID, ownerID) {
			// 传入的 ID 不存在或属于别人，一律按新会话处理。
			chatID = uuid.NewString()
			isNew = true
		}
	} else {
		chatID = uuid.NewString()
		isNew = true
	}

	record := models.Chat{
		ChatID:      chatID,
		UserID:      ownerID,
		Title:       payload.Title,
		ZipFileURL:  payload.ZipFileURL,
		VectorCount: payload.VectorCount,
		Chat:        payload.Chat,
	}
	if record.Title == "" {
		record.Title = "New Conversation"
	}

	if !isNew {
		updates := map[string]interface{}{
			"title":        record.Title,
			"zip_file_url": record.ZipFileURL,
			"vector_count": record.VectorCount,
			"chat":         record.Chat,
		}
		if err := s.db.Model(&models.Chat{}).
			Where("chat_id = ? AND user_id = ?", chatID, ownerID).
			Updates(updates).Error; err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Str("user_id", ownerID).Msg("chat update")
			return nil, err
		}
		var saved models.Chat
		if err := s.db.Where("chat_id = ? AND user_id = ?", chatID, ownerID).First(&saved).Error; err != nil {
			return nil, err
		}
		metrics.ChatUpserts.WithLabelValues("update").Inc()
		log.Info().Str("chat_id", chatID).Str("user_id", ownerID).Msg("updated chat")
		return &UpsertResult{ChatID: chatID, Record: &saved, Created: false}, nil
	}

	if err := s.db.Create(&record).Error; err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Str("user_id", ownerID).Msg("chat insert")
		return nil, err
	}
	metrics.ChatUpserts.WithLabelValues("create").Inc()
	log.Info().
		Str("chat_id", chatID).
		Str("user_id", ownerID).
		Int("chat_number", s.nextChatNumber(ownerID)).
		Msg("created chat")
	return &UpsertResult{ChatID: chatID, Record: &record, Created: true}, nil
}

// owned 检查 chat_id 是否存在且属于该用户。
func (s *ChatService) owned(chatID, ownerID string) bool {
	var existing models.Chat
	err := s.db.Select("chat_id").
		Where("chat_id = ? AND user_id = ?", chatID, ownerID).
		First(&existing).Error
	return err == nil
}

// nextChatNumber 统计用户会话数得到下一个序号，仅用于日志。
// 统计失败时降级为 1，不影响主流程。
func (s *ChatService) nextChatNumber(ownerID string) int {
	var count int64
	if err := s.db.Model(&models.Chat{}).Where("user_id = ?", ownerID).Count(&count).Error; err != nil {
		log.Error().Err(err).Str("user_id", ownerID).Msg("count chats")
		return 1
	}
	return int(count) + 1
}

// SyncChat 客户端批量同步时上送的单个会话。
type SyncChat struct {
	ChatID      string         `json:"chat_id"`
	Title       string         `json:"title"`
	ZipFileURL  string         `json:"zip_file_url"`
	VectorCount int            `json:"vector_count"`
	Chat        datatypes.JSON `json:"chat"`
}

// SyncBatch 逐条落库客户端积压的会话。返回成功条数和首个错误；
// 出错不中断剩余条目，客户端只有在整批成功时才清空本地队列。
func (s *ChatService) SyncBatch(ownerID string, chats []SyncChat) (int, error) {
	if ownerID == "" {
		return 0, ErrOwnerRequired
	}
	synced := 0
	var firstErr error
	for _, c := range chats {
		payload := ChatPayload{Title: c.Title, ZipFileURL: c.ZipFileURL, VectorCount: c.VectorCount, Chat: c.Chat}
		if _, err := s.Upsert(ownerID, c.ChatID, payload); err != nil {
			log.Error().Err(err).Str("chat_id", c.ChatID).Str("user_id", ownerID).Msg("sync chat")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		synced++
	}
	return synced, firstErr
}

// List 返回用户的全部会话，按更新时间倒序。
func (s *ChatService) List(ownerID string) ([]models.Chat, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	var chats []models.Chat
	if err := s.db.Where("user_id = ?", ownerID).Order("updated_at desc").Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// Get 按归属读取单个会话。
func (s *ChatService) Get(ownerID, chatID string) (*models.Chat, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	var chat models.Chat
	err := s.db.Where("chat_id = ? AND user_id = ?", chatID, ownerID).First(&chat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}
