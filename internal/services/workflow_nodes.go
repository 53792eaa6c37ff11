package services

import (
	"encoding/json"
	"fmt"

	"servify/automation/internal/models"

	"github.com/go-playground/validator/v10"
)

// Trigger types a workflow can listen for.
const (
	TriggerTicketCreated   = "ticket_created"
	TriggerTicketUpdated   = "ticket_updated"
	TriggerStatusChanged   = "status_changed"
	TriggerPriorityChanged = "priority_changed"
	TriggerTicketAssigned  = "ticket_assigned"
	TriggerSLAViolation    = "sla_violation"
	TriggerTimeCheck       = "time_check"
)

func isSupportedTrigger(trigger string) bool {
	switch trigger {
	case TriggerTicketCreated, TriggerTicketUpdated, TriggerStatusChanged,
		TriggerPriorityChanged, TriggerTicketAssigned, TriggerSLAViolation, TriggerTimeCheck:
		return true
	default:
		return false
	}
}

// Condition types.
const (
	ConditionPriority    = "priority"
	ConditionStatus      = "status"
	ConditionHasTag      = "has_tag"
	ConditionTimeElapsed = "time_elapsed"
)

// Action types.
const (
	ActionUpdateStatus   = "update_status"
	ActionUpdatePriority = "update_priority"
	ActionAddTag         = "add_tag"
	ActionAssignAgent    = "assign_agent"
	ActionAddNote        = "add_note"
	ActionEscalate       = "escalate"
	ActionSendWebhook    = "send_webhook"
)

// Condition is the closed set of predicate payloads a condition node can carry.
type Condition interface {
	ConditionType() string
}

type PriorityCondition struct {
	Value string `json:"value" validate:"required"`
}

type StatusCondition struct {
	Value string `json:"value" validate:"required"`
}

type HasTagCondition struct {
	TagID uint `json:"tag_id" validate:"required"`
}

// TimeElapsedCondition 缺少 hours 的负载在保存时被拒绝
type TimeElapsedCondition struct {
	Hours *float64 `json:"hours" validate:"required,gte=0"`
}

// UnknownCondition keeps the raw discriminator of an unrecognized condition.
type UnknownCondition struct {
	Type string
}

func (PriorityCondition) ConditionType() string    { return ConditionPriority }
func (StatusCondition) ConditionType() string      { return ConditionStatus }
func (HasTagCondition) ConditionType() string      { return ConditionHasTag }
func (TimeElapsedCondition) ConditionType() string { return ConditionTimeElapsed }
func (c UnknownCondition) ConditionType() string   { return c.Type }

// Action is the closed set of side-effect payloads an action node can carry.
type Action interface {
	ActionType() string
}

type UpdateStatusAction struct {
	Status string `json:"status" validate:"required"`
}

type UpdatePriorityAction struct {
	Priority string `json:"priority" validate:"required"`
}

type AddTagAction struct {
	TagID uint `json:"tag_id" validate:"required"`
}

type AssignAgentAction struct {
	AgentID uint `json:"agent_id" validate:"required"`
}

type AddNoteAction struct {
	Content  string `json:"content" validate:"required"`
	AuthorID *uint  `json:"author_id,omitempty"`
}

type EscalateAction struct {
	Reason string `json:"reason,omitempty"`
}

type SendWebhookAction struct {
	WebhookURL  string          `json:"webhook_url" validate:"required,url"`
	WebhookData json.RawMessage `json:"webhook_data,omitempty"`
}

// UnknownAction keeps the raw discriminator of an unrecognized action.
type UnknownAction struct {
	Type string
}

func (UpdateStatusAction) ActionType() string   { return ActionUpdateStatus }
func (UpdatePriorityAction) ActionType() string { return ActionUpdatePriority }
func (AddTagAction) ActionType() string         { return ActionAddTag }
func (AssignAgentAction) ActionType() string    { return ActionAssignAgent }
func (AddNoteAction) ActionType() string        { return ActionAddNote }
func (EscalateAction) ActionType() string       { return ActionEscalate }
func (SendWebhookAction) ActionType() string    { return ActionSendWebhook }
func (a UnknownAction) ActionType() string      { return a.Type }

func payloadType(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// DecodeCondition parses a condition node payload. Unrecognized types decode to
// UnknownCondition rather than failing.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	t, err := payloadType(raw)
	if err != nil {
		return nil, err
	}
	switch t {
	case ConditionPriority:
		return decodeAs[PriorityCondition](raw)
	case ConditionStatus:
		return decodeAs[StatusCondition](raw)
	case ConditionHasTag:
		return decodeAs[HasTagCondition](raw)
	case ConditionTimeElapsed:
		return decodeAs[TimeElapsedCondition](raw)
	default:
		return UnknownCondition{Type: t}, nil
	}
}

// DecodeAction parses an action node payload. Unrecognized types decode to
// UnknownAction rather than failing.
func DecodeAction(raw json.RawMessage) (Action, error) {
	t, err := payloadType(raw)
	if err != nil {
		return nil, err
	}
	switch t {
	case ActionUpdateStatus:
		return decodeAs[UpdateStatusAction](raw)
	case ActionUpdatePriority:
		return decodeAs[UpdatePriorityAction](raw)
	case ActionAddTag:
		return decodeAs[AddTagAction](raw)
	case ActionAssignAgent:
		return decodeAs[AssignAgentAction](raw)
	case ActionAddNote:
		return decodeAs[AddNoteAction](raw)
	case ActionEscalate:
		return decodeAs[EscalateAction](raw)
	case ActionSendWebhook:
		return decodeAs[SendWebhookAction](raw)
	default:
		return UnknownAction{Type: t}, nil
	}
}

// compiledNode is a node with its payload already decoded.
type compiledNode struct {
	models.WorkflowNode
	condition Condition
	action    Action
}

// workflowGraph is the executable form of a definition.
type workflowGraph struct {
	trigger  *compiledNode
	nodes    map[string]*compiledNode
	outgoing map[string][]string
}

func definitionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDefinition, fmt.Sprintf(format, args...))
}

// compileGraph indexes nodes and edges and decodes payloads. It fails when the
// definition has no (or more than one) trigger node, duplicate node ids, an
// unknown node kind, a malformed payload, or an edge pointing outside the node set.
func compileGraph(wf *models.WorkflowDefinition) (*workflowGraph, error) {
	g := &workflowGraph{
		nodes:    make(map[string]*compiledNode, len(wf.Nodes)),
		outgoing: make(map[string][]string),
	}
	for i := range wf.Nodes {
		n := &compiledNode{WorkflowNode: wf.Nodes[i]}
		if n.ID == "" {
			return nil, definitionErrorf("node at index %d has no id", i)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, definitionErrorf("duplicate node id %q", n.ID)
		}
		switch n.Kind {
		case models.NodeKindTrigger:
			if g.trigger != nil {
				return nil, definitionErrorf("multiple trigger nodes (%q, %q)", g.trigger.ID, n.ID)
			}
			g.trigger = n
		case models.NodeKindCondition:
			cond, err := DecodeCondition(n.Data)
			if err != nil {
				return nil, definitionErrorf("condition node %q: %v", n.ID, err)
			}
			n.condition = cond
		case models.NodeKindAction:
			act, err := DecodeAction(n.Data)
			if err != nil {
				return nil, definitionErrorf("action node %q: %v", n.ID, err)
			}
			n.action = act
		default:
			return nil, definitionErrorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		g.nodes[n.ID] = n
	}
	if g.trigger == nil {
		return nil, definitionErrorf("no trigger node")
	}
	for _, e := range wf.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, definitionErrorf("edge %q references unknown source node %q", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, definitionErrorf("edge %q references unknown target node %q", e.ID, e.Target)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e.Target)
	}
	return g, nil
}

// findCycle returns the id of a node that lies on a cycle, or "" for an acyclic graph.
func (g *workflowGraph) findCycle() string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, next := range g.outgoing[id] {
			switch color[next] {
			case grey:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range g.nodes {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// validateDefinition applies the save-time rules on top of compileGraph: the
// graph must be acyclic and every payload must be a known, complete type.
func validateDefinition(v *validator.Validate, wf *models.WorkflowDefinition) error {
	g, err := compileGraph(wf)
	if err != nil {
		return err
	}
	if id := g.findCycle(); id != "" {
		return definitionErrorf("cycle detected at node %q", id)
	}
	for _, n := range wf.Nodes {
		cn := g.nodes[n.ID]
		var payload interface{}
		switch {
		case cn.condition != nil:
			if u, ok := cn.condition.(UnknownCondition); ok {
				return definitionErrorf("condition node %q has unsupported type %q", n.ID, u.Type)
			}
			payload = cn.condition
		case cn.action != nil:
			if u, ok := cn.action.(UnknownAction); ok {
				return definitionErrorf("action node %q has unsupported type %q", n.ID, u.Type)
			}
			payload = cn.action
		default:
			continue
		}
		if err := v.Struct(payload); err != nil {
			return definitionErrorf("node %q: %v", n.ID, err)
		}
	}
	return nil
}
