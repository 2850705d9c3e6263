package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrToolFailure        = errors.New("tool failure")
	ErrHandoffLoop        = errors.New("more than one handoff in a single turn")
	ErrAgentExecution     = errors.New("agent execution failed")
	ErrNoReplyProduced    = errors.New("no reply produced")
	ErrUnknownAgent       = errors.New("unknown agent")
)

// Kind is the stable error classification reported to callers of the orchestrator.
type Kind string

const (
	KindNone               Kind = ""
	KindValidation         Kind = "validation"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindHandoffLoop        Kind = "handoff_loop"
	KindAgentExecution     Kind = "agent_execution"
	KindInternal           Kind = "internal"
)

// KindOf maps err onto the boundary taxonomy. Order matters: a model failure
// wrapped inside an agent execution error is still an agent execution error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrHandoffLoop):
		return KindHandoffLoop
	case errors.Is(err, ErrAgentExecution), errors.Is(err, ErrModelInvoke):
		return KindAgentExecution
	default:
		return KindInternal
	}
}

func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindAgentExecution:
		return true
	default:
		return false
	}
}
