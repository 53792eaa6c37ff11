package models

import (
	"time"

	"gorm.io/gorm"
)

// 工单模型（自动化引擎读取/写入的字段子集，与 servify 主库共用 tickets 表）
type Ticket struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	OrganizationID  uint           `gorm:"index" json:"organization_id"`
	Title           string         `gorm:"not null" json:"title"`
	Description     string         `gorm:"type:text" json:"description"`
	CustomerID      uint           `gorm:"index" json:"customer_id"`
	AgentID         *uint          `gorm:"index" json:"agent_id"`
	Category        string         `json:"category"`                         // technical, billing, general, complaint
	Priority        string         `gorm:"default:'normal'" json:"priority"` // low, normal, high, urgent
	Status          string         `gorm:"default:'open'" json:"status"`     // open, assigned, in_progress, escalated, resolved, closed
	Source          string         `json:"source"`                           // web, email, phone, chat
	EscalatedAt     *time.Time     `json:"escalated_at"`
	EscalatedReason string         `json:"escalated_reason"`
	ResolvedAt      *time.Time     `json:"resolved_at"`
	ClosedAt        *time.Time     `json:"closed_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

// 工单评论
type TicketComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Type      string    `gorm:"default:'comment'" json:"type"` // comment, internal_note, system
	CreatedAt time.Time `json:"created_at"`
}

// 标签
type Tag struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// 工单-标签关联
type TicketTag struct {
	TicketID  uint      `gorm:"primaryKey;autoIncrement:false" json:"ticket_id"`
	TagID     uint      `gorm:"primaryKey;autoIncrement:false" json:"tag_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment types used on TicketComment.Type.
const (
	CommentTypeComment      = "comment"
	CommentTypeInternalNote = "internal_note"
	CommentTypeSystem       = "system"
)
