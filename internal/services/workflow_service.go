package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreateWorkflowRequest 创建工作流请求
type CreateWorkflowRequest struct {
	OrganizationID uint                  `json:"organization_id" validate:"required"`
	Name           string                `json:"name" validate:"required,max=200"`
	Description    string                `json:"description"`
	TriggerType    string                `json:"trigger_type" validate:"required"`
	Nodes          []models.WorkflowNode `json:"nodes" validate:"required,min=1"`
	Edges          []models.WorkflowEdge `json:"edges"`
	Active         *bool                 `json:"active"`
}

// UpdateWorkflowRequest 部分更新；Nodes 非 nil 时节点与边整体替换
type UpdateWorkflowRequest struct {
	Name        *string               `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string               `json:"description"`
	TriggerType *string               `json:"trigger_type"`
	Nodes       []models.WorkflowNode `json:"nodes"`
	Edges       []models.WorkflowEdge `json:"edges"`
	Active      *bool                 `json:"active"`
}

// WorkflowService owns workflow definitions and the manual execution path.
type WorkflowService struct {
	db       *gorm.DB
	validate *validator.Validate
	defs     *WorkflowDefinitionCache
	tickets  TicketStore
	executor *WorkflowExecutor
	recorder ExecutionRecorder
	locker   TicketLocker
	cfg      config.AutomationConfig
	logger   *logrus.Logger
}

func NewWorkflowService(
	db *gorm.DB,
	defs *WorkflowDefinitionCache,
	tickets TicketStore,
	executor *WorkflowExecutor,
	recorder ExecutionRecorder,
	locker TicketLocker,
	cfg config.AutomationConfig,
	logger *logrus.Logger,
) *WorkflowService {
	if logger == nil {
		logger = logrus.New()
	}
	if locker == nil {
		locker = NewMemoryTicketLocker()
	}
	return &WorkflowService{
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		defs:     defs,
		tickets:  tickets,
		executor: executor,
		recorder: recorder,
		locker:   locker,
		cfg:      cfg,
		logger:   logger,
	}
}

// List 返回组织下的全部工作流
func (s *WorkflowService) List(ctx context.Context, orgID uint) ([]models.WorkflowDefinition, error) {
	if orgID == 0 {
		return nil, fmt.Errorf("%w: organization_id required", ErrInvalidRequest)
	}
	var defs []models.WorkflowDefinition
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("id DESC").
		Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

func (s *WorkflowService) Get(ctx context.Context, id uint) (*models.WorkflowDefinition, error) {
	var wf models.WorkflowDefinition
	if err := s.db.WithContext(ctx).First(&wf, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	return &wf, nil
}

// GetInOrganization 按组织隔离读取；orgID 为 0 时不限制，跨组织视为不存在
func (s *WorkflowService) GetInOrganization(ctx context.Context, orgID, id uint) (*models.WorkflowDefinition, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orgID != 0 && wf.OrganizationID != orgID {
		return nil, fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// ExecutionInOrganization loads an execution whose workflow belongs to orgID.
func (s *WorkflowService) ExecutionInOrganization(ctx context.Context, orgID uint, executionID string) (*models.WorkflowExecution, error) {
	exec, err := s.recorder.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if orgID == 0 {
		return exec, nil
	}
	if _, err := s.GetInOrganization(ctx, orgID, exec.WorkflowID); err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	return exec, nil
}

// TicketInOrganization reports ErrTicketNotFound for tickets outside orgID.
func (s *WorkflowService) TicketInOrganization(ctx context.Context, orgID, ticketID uint) error {
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if orgID != 0 && ticket.OrganizationID != orgID {
		return fmt.Errorf("%w: %d", ErrTicketNotFound, ticketID)
	}
	return nil
}

func (s *WorkflowService) Create(ctx context.Context, req *CreateWorkflowRequest) (*models.WorkflowDefinition, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	active := false
	if req.Active != nil {
		active = *req.Active
	}
	wf := &models.WorkflowDefinition{
		OrganizationID: req.OrganizationID,
		Name:           strings.TrimSpace(req.Name),
		Description:    req.Description,
		TriggerType:    req.TriggerType,
		Nodes:          withNodeIDs(req.Nodes),
		Edges:          withEdgeIDs(req.Edges),
		Active:         active,
	}
	if err := s.checkDefinition(wf); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, err
	}
	s.defs.Invalidate(wf.OrganizationID)
	s.logger.WithFields(logrus.Fields{"workflow_id": wf.ID, "organization_id": wf.OrganizationID}).
		Info("automation: workflow created")
	return wf, nil
}

func (s *WorkflowService) Update(ctx context.Context, id uint, req *UpdateWorkflowRequest) (*models.WorkflowDefinition, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Nodes == nil && req.Edges != nil {
		return nil, fmt.Errorf("%w: edges can only be replaced together with nodes", ErrInvalidRequest)
	}

	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		wf.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		wf.Description = *req.Description
	}
	if req.TriggerType != nil {
		wf.TriggerType = *req.TriggerType
	}
	if req.Nodes != nil {
		wf.Nodes = withNodeIDs(req.Nodes)
		wf.Edges = withEdgeIDs(req.Edges)
	}
	if req.Active != nil {
		wf.Active = *req.Active
	}
	if err := s.checkDefinition(wf); err != nil {
		return nil, err
	}

	wf.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(wf).Error; err != nil {
		return nil, err
	}
	s.defs.Invalidate(wf.OrganizationID)
	return wf, nil
}

// Delete 删除工作流，执行记录与步骤在同一事务中先行删除
func (s *WorkflowService) Delete(ctx context.Context, id uint) error {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteExecutionsTx(tx, id); err != nil {
			return err
		}
		result := tx.Delete(&models.WorkflowDefinition{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.defs.Invalidate(wf.OrganizationID)
	s.logger.WithField("workflow_id", id).Info("automation: workflow deleted")
	return nil
}

// Execute runs a workflow for one ticket on demand. It ignores the active
// flag and the trigger type; the record carries Trigger "manual".
func (s *WorkflowService) Execute(ctx context.Context, workflowID, ticketID uint) (*models.WorkflowExecution, error) {
	if ticketID == 0 {
		return nil, fmt.Errorf("%w: ticket_id required", ErrInvalidRequest)
	}
	wf, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.OrganizationID != wf.OrganizationID {
		return nil, fmt.Errorf("%w: ticket %d does not belong to organization %d", ErrInvalidRequest, ticketID, wf.OrganizationID)
	}

	log := s.logger.WithFields(logrus.Fields{"workflow_id": wf.ID, "ticket_id": ticketID})
	if !wf.Active {
		log.Warn("automation: manual execution of inactive workflow")
	} else {
		log.Info("automation: manual execution")
	}

	unlock, err := s.locker.Lock(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("lock ticket %d: %w", ticketID, err)
	}
	defer unlock()

	exec, runErr := s.executor.Execute(ctx, wf, ticketID, models.TriggerManual)
	if exec == nil {
		return nil, runErr
	}
	return exec, nil
}

func (s *WorkflowService) ListExecutions(ctx context.Context, workflowID uint, limit int) ([]models.WorkflowExecution, error) {
	if _, err := s.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.ExecutionListLimit
	}
	if limit > 500 {
		limit = 500
	}
	return s.recorder.List(ctx, workflowID, limit)
}

func (s *WorkflowService) GetExecution(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return s.recorder.Get(ctx, executionID)
}

// CancelExecution 取消本实例上正在运行的执行
func (s *WorkflowService) CancelExecution(ctx context.Context, executionID string) error {
	if s.executor.Cancel(executionID) {
		s.logger.WithField("execution_id", executionID).Info("automation: execution cancel requested")
		return nil
	}
	exec, err := s.recorder.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != models.ExecutionRunning {
		return fmt.Errorf("%w: %s is %s", ErrExecutionFinalized, executionID, exec.Status)
	}
	return fmt.Errorf("%w: execution %s is not running on this instance", ErrInvalidRequest, executionID)
}

func (s *WorkflowService) checkDefinition(wf *models.WorkflowDefinition) error {
	if !isSupportedTrigger(wf.TriggerType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrigger, wf.TriggerType)
	}
	return validateDefinition(s.validate, wf)
}

func withNodeIDs(nodes []models.WorkflowNode) []models.WorkflowNode {
	out := make([]models.WorkflowNode, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		out[i] = n
	}
	return out
}

func withEdgeIDs(edges []models.WorkflowEdge) []models.WorkflowEdge {
	out := make([]models.WorkflowEdge, len(edges))
	for i, e := range edges {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		out[i] = e
	}
	return out
}
