package handlers

import (
	"context"
	"net/http"
	"strconv"

	"servify/automation/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventPublisher 事件入口（watermill 总线）
type EventPublisher interface {
	Publish(ctx context.Context, evt services.TicketEvent) error
}

// WorkflowHandler serves workflow management and event ingestion.
type WorkflowHandler struct {
	workflows  *services.WorkflowService
	dispatcher *services.TriggerDispatcher
	events     EventPublisher
	logger     *logrus.Logger
}

func NewWorkflowHandler(workflows *services.WorkflowService, dispatcher *services.TriggerDispatcher, events EventPublisher, logger *logrus.Logger) *WorkflowHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WorkflowHandler{workflows: workflows, dispatcher: dispatcher, events: events, logger: logger}
}

type executeRequest struct {
	TicketID uint `json:"ticket_id" binding:"required"`
}

// ListWorkflows 获取组织下的工作流；token 中带组织时以 token 为准
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	orgID, ok := h.organizationID(c)
	if !ok {
		return
	}
	defs, err := h.workflows.List(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, "Failed to list workflows", err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	wf, err := h.workflows.GetInOrganization(c.Request.Context(), callerOrganization(c), id)
	if err != nil {
		respondError(c, "Failed to get workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// CreateWorkflow 创建工作流
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req services.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if orgID := callerOrganization(c); orgID != 0 {
		req.OrganizationID = orgID
	}
	wf, err := h.workflows.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create workflow", err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req services.UpdateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if !h.ownsWorkflow(c, id, "Failed to update workflow") {
		return
	}
	wf, err := h.workflows.Update(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, "Failed to update workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// DeleteWorkflow 删除工作流及其执行记录
func (h *WorkflowHandler) DeleteWorkflow(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	if !h.ownsWorkflow(c, id, "Failed to delete workflow") {
		return
	}
	if err := h.workflows.Delete(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to delete workflow", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// ExecuteWorkflow 手动执行，忽略 active 与触发类型
func (h *WorkflowHandler) ExecuteWorkflow(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if !h.ownsWorkflow(c, id, "Failed to execute workflow") {
		return
	}
	exec, err := h.workflows.Execute(c.Request.Context(), id, req.TicketID)
	if err != nil {
		respondError(c, "Failed to execute workflow", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	if !h.ownsWorkflow(c, id, "Failed to list executions") {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	execs, err := h.workflows.ListExecutions(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (h *WorkflowHandler) GetExecution(c *gin.Context) {
	exec, err := h.workflows.ExecutionInOrganization(c.Request.Context(), callerOrganization(c), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *WorkflowHandler) CancelExecution(c *gin.Context) {
	if orgID := callerOrganization(c); orgID != 0 {
		if _, err := h.workflows.ExecutionInOrganization(c.Request.Context(), orgID, c.Param("id")); err != nil {
			respondError(c, "Failed to cancel execution", err)
			return
		}
	}
	if err := h.workflows.CancelExecution(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Failed to cancel execution", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "cancel requested"})
}

// PublishEvent 接收工单事件并投递到总线，由订阅方异步执行
func (h *WorkflowHandler) PublishEvent(c *gin.Context) {
	var evt services.TicketEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Event bus unavailable", Message: "events are not enabled"})
		return
	}
	if orgID := callerOrganization(c); orgID != 0 {
		if err := h.workflows.TicketInOrganization(c.Request.Context(), orgID, evt.TicketID); err != nil {
			respondError(c, "Failed to publish event", err)
			return
		}
	}
	if err := h.events.Publish(c.Request.Context(), evt); err != nil {
		respondError(c, "Failed to publish event", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "accepted"})
}

// BatchFire 批量触发，dry_run 时只返回匹配结果
func (h *WorkflowHandler) BatchFire(c *gin.Context) {
	var req services.BatchFireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if orgID := callerOrganization(c); orgID != 0 {
		for _, ticketID := range req.TicketIDs {
			if err := h.workflows.TicketInOrganization(c.Request.Context(), orgID, ticketID); err != nil {
				respondError(c, "Failed to fire workflows", err)
				return
			}
		}
	}
	resp, err := h.dispatcher.BatchFire(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to fire workflows", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// callerOrganization 返回 token 中的组织；未开启认证时为 0，不做隔离
func callerOrganization(c *gin.Context) uint {
	return c.GetUint("organization_id")
}

// ownsWorkflow 跨组织访问按不存在处理（404）
func (h *WorkflowHandler) ownsWorkflow(c *gin.Context, id uint, title string) bool {
	if _, err := h.workflows.GetInOrganization(c.Request.Context(), callerOrganization(c), id); err != nil {
		respondError(c, title, err)
		return false
	}
	return true
}

func (h *WorkflowHandler) organizationID(c *gin.Context) (uint, bool) {
	if orgID := callerOrganization(c); orgID != 0 {
		return orgID, true
	}
	orgID, err := strconv.ParseUint(c.Query("organization_id"), 10, 32)
	if err != nil || orgID == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid organization_id", Message: "organization_id query parameter required"})
		return 0, false
	}
	return uint(orgID), true
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid " + name, Message: err.Error()})
		return 0, false
	}
	return uint(v), true
}

// RegisterWorkflowRoutes 注册路由；read/write/execute 分别对应 automation.* 权限
func RegisterWorkflowRoutes(r *gin.RouterGroup, handler *WorkflowHandler, require func(perm string) gin.HandlerFunc) {
	if require == nil {
		require = func(string) gin.HandlerFunc { return func(c *gin.Context) { c.Next() } }
	}
	read := require("automation.read")
	write := require("automation.write")
	execute := require("automation.execute")

	auto := r.Group("/automation")
	{
		auto.GET("/workflows", read, handler.ListWorkflows)
		auto.POST("/workflows", write, handler.CreateWorkflow)
		auto.GET("/workflows/:id", read, handler.GetWorkflow)
		auto.PATCH("/workflows/:id", write, handler.UpdateWorkflow)
		auto.DELETE("/workflows/:id", write, handler.DeleteWorkflow)
		auto.POST("/workflows/:id/execute", execute, handler.ExecuteWorkflow)
		auto.GET("/workflows/:id/executions", read, handler.ListExecutions)
		auto.GET("/executions/:id", read, handler.GetExecution)
		auto.POST("/executions/:id/cancel", execute, handler.CancelExecution)
		auto.POST("/events", execute, handler.PublishEvent)
		auto.POST("/events/batch", execute, handler.BatchFire)
	}
}
