package service

import (
	"strings"

	"ragrelay/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ProfileService 负责把认证服务的用户元数据落到 profiles 表。
type ProfileService struct {
	db *gorm.DB
}

func NewProfileService(db *gorm.DB) *ProfileService {
	return &ProfileService{db: db}
}

// UserMetadata 认证服务附带的用户元数据，OAuth 登录时才会填充。
type UserMetadata struct {
	FullName  string `json:"full_name"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Picture   string `json:"picture"`
	Username  string `json:"username"`
}

// UserData 一次 upsert 可用的全部输入字段。
// 派生链每次从本次输入重新计算，不保留历史值。
type UserData struct {
	Email     string       `json:"email"`
	Name      string       `json:"name"`
	FullName  string       `json:"full_name"`
	AvatarURL string       `json:"avatar_url"`
	Username  string       `json:"username"`
	Metadata  UserMetadata `json:"user_metadata"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Upsert 创建或刷新用户 profile，是否创建由写入前的存在性检查决定。
func (s *ProfileService) Upsert(userID string, data UserData) (*models.Profile, error) {
	if userID == "" {
		return nil, ErrOwnerRequired
	}

	fullName := firstNonEmpty(data.Name, data.FullName, data.Metadata.FullName, data.Metadata.Name)
	avatarURL := firstNonEmpty(data.AvatarURL, data.Metadata.AvatarURL, data.Metadata.Picture)
	username := firstNonEmpty(data.Username, data.Metadata.Username, emailLocalPart(data.Email), fallbackUsername(userID))

	profile := models.Profile{
		ID:        userID,
		Username:  username,
		FullName:  fullName,
		Email:     data.Email,
		AvatarURL: avatarURL,
	}

	var existing models.Profile
	err := s.db.Select("id").Where("id = ?", userID).First(&existing).Error
	exists := err == nil

	if exists {
		updates := map[string]interface{}{
			"username":   profile.Username,
			"full_name":  profile.FullName,
			"email":      profile.Email,
			"avatar_url": profile.AvatarURL,
		}
		if err := s.db.Model(&models.Profile{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("profile update")
			return nil, err
		}
	} else {
		if err := s.db.Create(&profile).Error; err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("profile insert")
			return nil, err
		}
	}

	var saved models.Profile
	if err := s.db.Where("id = ?", userID).First(&saved).Error; err != nil {
		return nil, err
	}
	if exists {
		log.Info().Str("user_id", userID).Msg("updated profile")
	} else {
		log.Info().Str("user_id", userID).Msg("created profile")
	}
	return &saved, nil
}

// Get 读取用户 profile。
func (s *ProfileService) Get(userID string) (*models.Profile, error) {
	if userID == "" {
		return nil, ErrOwnerRequired
	}
	var profile models.Profile
	if err := s.db.Where("id = ?", userID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// emailLocalPart "@x.com" 这类空本地段返回空串，让派生链走下一个兜底。
func emailLocalPart(email string) string {
	if i := strings.Index(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}

// fallbackUsername 用用户 ID 前 8 位兜底生成用户名。
func fallbackUsername(userID string) string {
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	return "user_" + short
}
