package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrCancelled    = fmt.Errorf("operation cancelled")
)

// Sentinel errors for the orchestration layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")

	// Agent runtime errors.
	ErrAgentUnavailable = fmt.Errorf("agent unavailable: circuit breaker open")
	ErrAgentNotActive   = fmt.Errorf("agent not active")
	ErrQueueFull        = fmt.Errorf("message queue full")
	ErrCapacity         = fmt.Errorf("agent at maximum task capacity")
	ErrTaskTimeout      = fmt.Errorf("task timed out")
	ErrRequestTimeout   = fmt.Errorf("inter-agent request timed out")
	ErrRetriesExhausted = fmt.Errorf("retries exhausted")

	// Routing errors.
	ErrNoFallback        = fmt.Errorf("no fallback agent available")
	ErrDeliveryFailed    = fmt.Errorf("message delivery failed")
	ErrFallbackExhausted = fmt.Errorf("fallback hop limit reached")
	ErrDependencyMissing = fmt.Errorf("dependency not registered")
	ErrUnroutable        = fmt.Errorf("message could not be routed")

	// Consensus errors.
	ErrInsufficientQuorum = fmt.Errorf("insufficient consensus quorum")
	ErrNoResponses        = fmt.Errorf("no valid consensus responses")
	ErrNoParticipants     = fmt.Errorf("no eligible consensus participants")
	ErrShuttingDown       = fmt.Errorf("coordinator shutting down")

	// ErrNoMarketData is returned by analysts that have not seen a snapshot yet.
	ErrNoMarketData = fmt.Errorf("no market data available")

	// Collaborator failures recognised by error analysis.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrNetwork     = fmt.Errorf("network failure")
	ErrFatal       = fmt.Errorf("fatal agent failure")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Coordinator.RegisterAgent")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent", "consensus"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CodedError is implemented by collaborator errors that carry their own
// machine-readable code (for example an upstream API error). Error analysis
// consults the code before falling back to message text.
type CodedError interface {
	error
	ErrorCode() ErrorCode
}

// codedError is the concrete CodedError returned by WithCode.
type codedError struct {
	code ErrorCode
	err  error
}

func (e *codedError) Error() string        { return e.err.Error() }
func (e *codedError) Unwrap() error        { return e.err }
func (e *codedError) ErrorCode() ErrorCode { return e.code }

// WithCode attaches an explicit ErrorCode to err.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown      ErrorCode = "UNKNOWN"
	CodeConfigLoad   ErrorCode = "CONFIG_LOAD"
	CodeEncryption   ErrorCode = "ENCRYPTION"
	CodeDecryption   ErrorCode = "DECRYPTION"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid  ErrorCode = "AUTH_INVALID"
	CodeNetwork      ErrorCode = "NETWORK"
	CodeFatal        ErrorCode = "FATAL"
	CodeOutOfMemory  ErrorCode = "OUT_OF_MEMORY"
	CodeSecurity     ErrorCode = "SECURITY_THREAT"
	CodeUnavailable  ErrorCode = "AGENT_UNAVAILABLE"
	CodeNotActive    ErrorCode = "AGENT_NOT_ACTIVE"
	CodeQueueFull    ErrorCode = "QUEUE_FULL"
	CodeCapacity     ErrorCode = "AGENT_CAPACITY"
	CodeTaskTimeout  ErrorCode = "TASK_TIMEOUT"
	CodeRequestTime  ErrorCode = "REQUEST_TIMEOUT"
	CodeRetries      ErrorCode = "RETRIES_EXHAUSTED"
	CodeNoFallback   ErrorCode = "NO_FALLBACK"
	CodeDelivery     ErrorCode = "DELIVERY_FAILED"
	CodeFallbackHops ErrorCode = "FALLBACK_EXHAUSTED"
	CodeDependency   ErrorCode = "DEPENDENCY_MISSING"
	CodeUnroutable   ErrorCode = "UNROUTABLE"
	CodeQuorum       ErrorCode = "INSUFFICIENT_QUORUM"
	CodeNoResponses  ErrorCode = "NO_RESPONSES"
	CodeNoVoters     ErrorCode = "NO_PARTICIPANTS"
	CodeShutdown     ErrorCode = "SHUTTING_DOWN"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate    ErrorCode = "AGENT_DUPLICATE"
	CodeAgentLimit        ErrorCode = "AGENT_LIMIT"
	CodeConsensusTimeout  ErrorCode = "CONSENSUS_TIMEOUT"
	CodeConsensusNotFound ErrorCode = "CONSENSUS_NOT_FOUND"
	CodeRouteInvalid      ErrorCode = "ROUTE_INVALID"

	// Category error codes. Fallback codes when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeCancelled    ErrorCode = "CANCELLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,
	ErrCancelled:    CodeCancelled,

	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
	ErrAgentUnavailable:   CodeUnavailable,
	ErrAgentNotActive:     CodeNotActive,
	ErrQueueFull:          CodeQueueFull,
	ErrCapacity:           CodeCapacity,
	ErrTaskTimeout:        CodeTaskTimeout,
	ErrRequestTimeout:     CodeRequestTime,
	ErrRetriesExhausted:   CodeRetries,
	ErrNoFallback:         CodeNoFallback,
	ErrDeliveryFailed:     CodeDelivery,
	ErrFallbackExhausted:  CodeFallbackHops,
	ErrDependencyMissing:  CodeDependency,
	ErrUnroutable:         CodeUnroutable,
	ErrInsufficientQuorum: CodeQuorum,
	ErrNoResponses:        CodeNoResponses,
	ErrNoParticipants:     CodeNoVoters,
	ErrShuttingDown:       CodeShutdown,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrNetwork:            CodeNetwork,
	ErrFatal:              CodeFatal,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":     CodeAgentNotFound,
		"consensus": CodeConsensusNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrTimeout: {
		"consensus": CodeConsensusTimeout,
	},
	ErrLimitReached: {
		"agent": CodeAgentLimit,
	},
	ErrInvalidInput: {
		"consensus": CodeRouteInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// An explicit CodedError wins; otherwise DomainError subsystem dispatch and
// sentinel matching apply. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var ce CodedError
	if errors.As(err, &ce) {
		return ce.ErrorCode()
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
