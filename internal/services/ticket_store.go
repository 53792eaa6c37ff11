package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servify/automation/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TicketSnapshot is the ticket state conditions read.
type TicketSnapshot struct {
	ID             uint
	OrganizationID uint
	Priority       string
	Status         string
	CreatedAt      time.Time
}

// TicketUpdate carries the fields actions may write. Nil fields are left untouched.
type TicketUpdate struct {
	Status          *string
	Priority        *string
	AssigneeID      *uint
	EscalatedAt     *time.Time
	EscalatedReason *string
}

// TicketStore is the narrow ticket surface the engine depends on.
type TicketStore interface {
	GetTicket(ctx context.Context, ticketID uint) (*TicketSnapshot, error)
	HasTag(ctx context.Context, ticketID, tagID uint) (bool, error)
	AddTag(ctx context.Context, ticketID, tagID uint) error
	UpdateTicket(ctx context.Context, ticketID uint, upd TicketUpdate) error
	AppendNote(ctx context.Context, ticketID, authorID uint, content string) error
	ListOpenTicketIDs(ctx context.Context) ([]uint, error)
}

// GormTicketStore 基于 servify 工单表的实现
type GormTicketStore struct {
	db *gorm.DB
}

func NewGormTicketStore(db *gorm.DB) *GormTicketStore {
	return &GormTicketStore{db: db}
}

func (s *GormTicketStore) GetTicket(ctx context.Context, ticketID uint) (*TicketSnapshot, error) {
	var t models.Ticket
	if err := s.db.WithContext(ctx).First(&t, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTicketNotFound, ticketID)
		}
		return nil, err
	}
	return &TicketSnapshot{
		ID:             t.ID,
		OrganizationID: t.OrganizationID,
		Priority:       t.Priority,
		Status:         t.Status,
		CreatedAt:      t.CreatedAt,
	}, nil
}

func (s *GormTicketStore) HasTag(ctx context.Context, ticketID, tagID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.TicketTag{}).
		Where("ticket_id = ? AND tag_id = ?", ticketID, tagID).
		Count(&count).Error
	return count > 0, err
}

// AddTag 创建一条关联，已存在时不重复插入
func (s *GormTicketStore) AddTag(ctx context.Context, ticketID, tagID uint) error {
	link := &models.TicketTag{TicketID: ticketID, TagID: tagID, CreatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error
}

func (s *GormTicketStore) UpdateTicket(ctx context.Context, ticketID uint, upd TicketUpdate) error {
	updates := map[string]interface{}{}
	if upd.Status != nil {
		updates["status"] = *upd.Status
	}
	if upd.Priority != nil {
		updates["priority"] = *upd.Priority
	}
	if upd.AssigneeID != nil {
		updates["agent_id"] = *upd.AssigneeID
	}
	if upd.EscalatedAt != nil {
		updates["escalated_at"] = *upd.EscalatedAt
	}
	if upd.EscalatedReason != nil {
		updates["escalated_reason"] = *upd.EscalatedReason
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTicketNotFound, ticketID)
	}
	return nil
}

// AppendNote 追加内部备注
func (s *GormTicketStore) AppendNote(ctx context.Context, ticketID, authorID uint, content string) error {
	comment := &models.TicketComment{
		TicketID:  ticketID,
		UserID:    authorID,
		Content:   content,
		Type:      models.CommentTypeInternalNote,
		CreatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Create(comment).Error
}

// ListOpenTicketIDs 返回未解决/未关闭的工单
func (s *GormTicketStore) ListOpenTicketIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("status NOT IN ?", []string{"resolved", "closed"}).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}
