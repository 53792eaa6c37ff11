package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"servify/automation/internal/metrics"
	"servify/automation/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StepEntry is one step log line before it is persisted.
type StepEntry struct {
	NodeID   string
	NodeKind models.NodeKind
	Phase    models.StepPhase
	Message  string
}

// ExecutionRecorder persists the execution record and its append-only step log.
type ExecutionRecorder interface {
	Begin(ctx context.Context, workflowID, ticketID uint, trigger string) (*models.WorkflowExecution, error)
	AppendStep(ctx context.Context, executionID string, step StepEntry) error
	Complete(ctx context.Context, executionID string) error
	Fail(ctx context.Context, executionID string, cause error) error
	List(ctx context.Context, workflowID uint, limit int) ([]models.WorkflowExecution, error)
	Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error)
}

// GormExecutionRecorder stores executions in workflow_executions / workflow_execution_steps.
type GormExecutionRecorder struct {
	db  *gorm.DB
	now func() time.Time

	mu  sync.Mutex
	seq map[string]int
}

func NewGormExecutionRecorder(db *gorm.DB) *GormExecutionRecorder {
	return &GormExecutionRecorder{db: db, now: time.Now, seq: make(map[string]int)}
}

func (r *GormExecutionRecorder) Begin(ctx context.Context, workflowID, ticketID uint, trigger string) (*models.WorkflowExecution, error) {
	exec := &models.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TicketID:   ticketID,
		Trigger:    trigger,
		Status:     models.ExecutionRunning,
		StartedAt:  r.now(),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkRunnable(tx, workflowID, trigger); err != nil {
			return err
		}
		return tx.Create(exec).Error
	})
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrWorkflowInactive) {
			return nil, err
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}
	r.mu.Lock()
	r.seq[exec.ID] = 0
	r.mu.Unlock()
	return exec, nil
}

// checkRunnable 在插入执行记录的同一事务中确认工作流仍存在；自动触发还要求 active
func checkRunnable(tx *gorm.DB, workflowID uint, trigger string) error {
	var wf models.WorkflowDefinition
	err := tx.Select("id", "active").First(&wf, workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if !wf.Active && trigger != models.TriggerManual {
		return fmt.Errorf("%w: %d", ErrWorkflowInactive, workflowID)
	}
	return nil
}

// AppendStep 追加一条步骤日志，Seq 在单次执行内单调递增
func (r *GormExecutionRecorder) AppendStep(ctx context.Context, executionID string, step StepEntry) error {
	seq, err := r.nextSeq(ctx, executionID)
	if err != nil {
		return err
	}
	row := &models.WorkflowExecutionStep{
		ExecutionID: executionID,
		Seq:         seq,
		NodeID:      step.NodeID,
		NodeKind:    step.NodeKind,
		Phase:       step.Phase,
		Message:     step.Message,
		Timestamp:   r.now(),
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	metrics.IncStep(string(step.Phase))
	return nil
}

func (r *GormExecutionRecorder) nextSeq(ctx context.Context, executionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.seq[executionID]; ok {
		r.seq[executionID] = n + 1
		return n + 1, nil
	}
	// 记录器重建后从库里恢复序号
	var max sql.NullInt64
	if err := r.db.WithContext(ctx).Model(&models.WorkflowExecutionStep{}).
		Where("execution_id = ?", executionID).
		Select("MAX(seq)").Row().Scan(&max); err != nil {
		return 0, fmt.Errorf("load step sequence: %w", err)
	}
	n := int(max.Int64)
	r.seq[executionID] = n + 1
	return n + 1, nil
}

func (r *GormExecutionRecorder) Complete(ctx context.Context, executionID string) error {
	return r.finalize(ctx, executionID, models.ExecutionCompleted, "")
}

func (r *GormExecutionRecorder) Fail(ctx context.Context, executionID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finalize(ctx, executionID, models.ExecutionFailed, msg)
}

// finalize moves a running record to its terminal state exactly once.
func (r *GormExecutionRecorder) finalize(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) error {
	now := r.now()
	result := r.db.WithContext(ctx).Model(&models.WorkflowExecution{}).
		Where("id = ? AND status = ?", executionID, models.ExecutionRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"error":        errMsg,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("finalize execution: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.WorkflowExecution{}).
			Where("id = ?", executionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return fmt.Errorf("%w: %s", ErrExecutionFinalized, executionID)
	}

	r.mu.Lock()
	delete(r.seq, executionID)
	r.mu.Unlock()
	metrics.IncExecution(string(status))
	return nil
}

// List 按开始时间倒序返回某工作流的执行记录（不含步骤）
func (r *GormExecutionRecorder) List(ctx context.Context, workflowID uint, limit int) ([]models.WorkflowExecution, error) {
	q := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var execs []models.WorkflowExecution
	if err := q.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *GormExecutionRecorder) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	var exec models.WorkflowExecution
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&exec, "id = ?", executionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	return &exec, nil
}

// deleteExecutionsTx 删除某工作流的全部执行及其步骤，调用方负责事务
func deleteExecutionsTx(tx *gorm.DB, workflowID uint) error {
	var ids []string
	if err := tx.Model(&models.WorkflowExecution{}).Where("workflow_id = ?", workflowID).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("load executions: %w", err)
	}
	if len(ids) > 0 {
		if err := tx.Where("execution_id IN ?", ids).Delete(&models.WorkflowExecutionStep{}).Error; err != nil {
			return fmt.Errorf("delete execution steps: %w", err)
		}
	}
	if err := tx.Where("workflow_id = ?", workflowID).Delete(&models.WorkflowExecution{}).Error; err != nil {
		return fmt.Errorf("delete executions: %w", err)
	}
	return nil
}
