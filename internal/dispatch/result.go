package dispatch

import (
	"github.com/witanlabs/sheetpilot/internal/instruction"
	"github.com/witanlabs/sheetpilot/internal/script"
)

// ErrorType classifies a failed request.
type ErrorType string

const (
	// ProtocolFormatError is malformed model output; the request may be retried.
	ProtocolFormatError ErrorType = "ProtocolFormatError"
	// OperationExecutionError is a validated operation that failed against the
	// workbook. Earlier instructions are not rolled back.
	OperationExecutionError ErrorType = "OperationExecutionError"
	// SecurityRejection is a generated script the scanner refused.
	SecurityRejection ErrorType = "SecurityRejection"
	// SystemError is everything else: provider faults, host faults, contention.
	SystemError ErrorType = "SystemError"
)

const noRetryHint = "retry not available, please re-describe your request"

// Result is the outcome of one request. Exactly one of Message and Error is
// set, matching Success.
type Result struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	CanRetry  bool      `json:"can_retry"`

	Instructions []instruction.Instruction `json:"instructions,omitempty"`
	Script       *script.Generated         `json:"script,omitempty"`
	Execution    *script.ExecutionResult   `json:"execution,omitempty"`
}

func Success(message string) Result {
	return Result{Success: true, Message: message}
}

func Failure(message string, t ErrorType, canRetry bool) Result {
	return Result{Error: message, ErrorType: t, CanRetry: canRetry}
}
