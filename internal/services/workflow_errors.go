package services

import "errors"

var (
	// 定义错误：执行前或保存时发现的图结构问题
	ErrDefinition = errors.New("workflow definition error")

	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnsupportedTrigger = errors.New("unsupported trigger type")
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowInactive   = errors.New("workflow inactive")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrTicketNotFound     = errors.New("ticket not found")

	ErrActionFailed       = errors.New("action failed")
	ErrActionTimeout      = errors.New("action timed out")
	ErrWebhookStatus      = errors.New("webhook returned non-2xx status")
	ErrWebhookCircuitOpen = errors.New("webhook circuit breaker open")

	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrExecutionFinalized = errors.New("execution already finalized")
)

// IsValidationError 判断是否应返回 400
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDefinition) ||
		errors.Is(err, ErrUnsupportedTrigger)
}

// IsNotFoundError 判断是否应返回 404
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrTicketNotFound)
}
