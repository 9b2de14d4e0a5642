package models

import (
	"time"

	"gorm.io/datatypes"
)

// Chat 对应 Supabase 的 chats 表，chat_id 与 user_id 组成唯一归属。
// zip_file_url 有 NOT NULL 约束，缺省写空串而不是 null。
type Chat struct {
	ChatID      string         `gorm:"column:chat_id;primaryKey;size:36" json:"chat_id"`
	UserID      string         `gorm:"column:user_id;index:idx_chats_user_id;size:64;not null" json:"user_id"`
	Title       string         `gorm:"size:256;not null" json:"title"`
	ZipFileURL  string         `gorm:"column:zip_file_url;not null;default:''" json:"zip_file_url"`
	VectorCount int            `gorm:"not null;default:0" json:"vector_count"`
	Chat        datatypes.JSON `gorm:"column:chat;type:jsonb" json:"chat"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Profile 对应 profiles 表，主键即认证服务的用户 ID，1:1。
type Profile struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Username  string    `gorm:"size:128" json:"username"`
	FullName  string    `gorm:"column:full_name;size:256" json:"full_name"`
	Email     string    `gorm:"size:256" json:"email"`
	AvatarURL string    `gorm:"column:avatar_url;size:512" json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Profile) TableName() string { return "profiles" }
