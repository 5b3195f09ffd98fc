package store

import (
	"time"

	"inferd/pkg/types"
)

// ModelRecord is the persisted registration of a model file for one mode.
// At most one record per mode may be current at a time.
type ModelRecord struct {
	ID           uint       `gorm:"primaryKey;autoIncrement"`
	Name         string     `gorm:"index:uniq_model_name_mode,unique,priority:1;not null"`
	Mode         types.Mode `gorm:"type:varchar(16);index:uniq_model_name_mode,unique,priority:2;not null"`
	Path         string     `gorm:"not null"`
	DownloadURL  string
	IsCurrent    bool `gorm:"index"`
	IsDownloaded bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ModelRecord) TableName() string { return "model_info" }

// Parameter is one flat string-keyed configuration value with its encoded type.
type Parameter struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex;not null"`
	Value     string `gorm:"not null"`
	Type      string `gorm:"type:varchar(8);not null"`
	UpdatedAt time.Time
}

func (Parameter) TableName() string { return "parameters" }

// Session is one chat conversation. Messages are child-owned and deleted
// with their session.
type Session struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Name          string `gorm:"not null"`
	MessageCount  int
	TotalTokenEst int
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

func (Session) TableName() string { return "sessions" }

// Message is one persisted chat turn, ordered by creation within a session.
type Message struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID uint   `gorm:"index:idx_msg_session_created,priority:1;not null"`
	Role      string `gorm:"type:varchar(16);not null"`
	Content   string `gorm:"type:text;not null"`
	TokenEst  int
	CreatedAt time.Time `gorm:"index:idx_msg_session_created,priority:2"`
}

func (Message) TableName() string { return "messages" }
