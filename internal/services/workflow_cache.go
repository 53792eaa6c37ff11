package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"servify/automation/internal/models"

	c "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// WorkflowDefinitionCache caches active definitions per (organization, trigger).
// Cached slices are shared and must be treated as read-only.
type WorkflowDefinitionCache struct {
	db    *gorm.DB
	cache *c.Cache
}

// NewWorkflowDefinitionCache 创建缓存，ttl <= 0 时每次直接查库
func NewWorkflowDefinitionCache(db *gorm.DB, ttl time.Duration) *WorkflowDefinitionCache {
	ch := &WorkflowDefinitionCache{db: db}
	if ttl > 0 {
		ch.cache = c.New(ttl, 2*ttl)
	}
	return ch
}

func cacheKey(orgID uint, trigger string) string {
	return fmt.Sprintf("%d:%s", orgID, trigger)
}

// ActiveFor returns the active definitions of orgID listening for trigger, in id order.
func (ch *WorkflowDefinitionCache) ActiveFor(ctx context.Context, orgID uint, trigger string) ([]models.WorkflowDefinition, error) {
	key := cacheKey(orgID, trigger)
	if ch.cache != nil {
		if v, found := ch.cache.Get(key); found {
			return v.([]models.WorkflowDefinition), nil
		}
	}

	var defs []models.WorkflowDefinition
	if err := ch.db.WithContext(ctx).
		Where("organization_id = ? AND trigger_type = ? AND active = ?", orgID, trigger, true).
		Order("id ASC").
		Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("load active workflows: %w", err)
	}
	if ch.cache != nil {
		ch.cache.SetDefault(key, defs)
	}
	return defs, nil
}

// Invalidate drops every cached entry of one organization.
func (ch *WorkflowDefinitionCache) Invalidate(orgID uint) {
	if ch.cache == nil {
		return
	}
	prefix := fmt.Sprintf("%d:", orgID)
	for key := range ch.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			ch.cache.Delete(key)
		}
	}
}

func (ch *WorkflowDefinitionCache) Flush() {
	if ch.cache != nil {
		ch.cache.Flush()
	}
}
