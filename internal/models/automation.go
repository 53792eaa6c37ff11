package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// NodeKind 节点类别
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
)

// WorkflowNode 工作流图中的节点，Data 为按类别解析的负载
type WorkflowNode struct {
	ID   string          `json:"id"`
	Kind NodeKind        `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WorkflowEdge 节点之间的有向边
type WorkflowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// WorkflowDefinition 组织级自动化工作流定义（节点与边整体替换，不做增量 diff）
type WorkflowDefinition struct {
	ID             uint                              `gorm:"primaryKey" json:"id"`
	OrganizationID uint                              `gorm:"index:idx_workflow_org_trigger;not null" json:"organization_id"`
	Name           string                            `gorm:"not null" json:"name"`
	Description    string                            `gorm:"type:text" json:"description"`
	TriggerType    string                            `gorm:"index:idx_workflow_org_trigger;not null" json:"trigger_type"`
	Nodes          datatypes.JSONSlice[WorkflowNode] `json:"nodes"`
	Edges          datatypes.JSONSlice[WorkflowEdge] `json:"edges"`
	Active         bool                              `gorm:"not null;default:false" json:"active"`
	CreatedAt      time.Time                         `json:"created_at"`
	UpdatedAt      time.Time                         `json:"updated_at"`
}

// ExecutionStatus 执行记录状态，只允许 running -> completed / running -> failed 一次
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// StepPhase 节点生命周期阶段
type StepPhase string

const (
	StepStarted         StepPhase = "started"
	StepCompleted       StepPhase = "completed"
	StepConditionNotMet StepPhase = "condition_not_met"
	StepSkipped         StepPhase = "skipped"
	StepFailed          StepPhase = "failed"
)

// TriggerManual marks executions started through the manual execute path.
const TriggerManual = "manual"

// WorkflowExecution 一次 (workflow, ticket) 图遍历的审计记录
type WorkflowExecution struct {
	ID          string                  `gorm:"primaryKey;size:36" json:"id"`
	WorkflowID  uint                    `gorm:"index;not null" json:"workflow_id"`
	TicketID    uint                    `gorm:"index;not null" json:"ticket_id"`
	Trigger     string                  `json:"trigger"`
	Status      ExecutionStatus         `gorm:"index;not null" json:"status"`
	Error       string                  `gorm:"type:text" json:"error,omitempty"`
	StartedAt   time.Time               `gorm:"index;not null" json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Steps       []WorkflowExecutionStep `gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`

	// 删除工作流时数据库级联删除执行记录
	Workflow *WorkflowDefinition `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"-"`
}

// WorkflowExecutionStep 步骤日志条目（仅追加）
type WorkflowExecutionStep struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ExecutionID string    `gorm:"index;size:36;not null" json:"execution_id"`
	Seq         int       `gorm:"not null" json:"seq"`
	NodeID      string    `gorm:"not null" json:"node_id"`
	NodeKind    NodeKind  `gorm:"not null" json:"node_kind"`
	Phase       StepPhase `gorm:"not null" json:"phase"`
	Message     string    `gorm:"type:text" json:"message,omitempty"`
	Timestamp   time.Time `gorm:"not null" json:"timestamp"`
}

// AllModels 迁移时使用的模型列表（工单相关表由 servify 主服务维护，这里一并迁移便于独立部署）
func AllModels() []interface{} {
	return []interface{}{
		&Ticket{},
		&TicketComment{},
		&Tag{},
		&TicketTag{},
		&WorkflowDefinition{},
		&WorkflowExecution{},
		&WorkflowExecutionStep{},
	}
}
