package agent

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"swapmesh/internal/domain"
)

// Error categories reported by AnalyzeError.
const (
	CategoryNetwork   = "network"
	CategoryTimeout   = "timeout"
	CategoryRateLimit = "rate_limit"
	CategoryAuth      = "authentication"
	CategoryResource  = "resource"
	CategoryFatal     = "fatal"
	CategoryCapacity  = "capacity"
	CategoryCancelled = "cancelled"
	CategoryUpstream  = "upstream"
	CategoryInput     = "invalid_input"
	CategoryGeneral   = "general"
)

// ErrorAnalyzer lets a behaviour refine the default analysis. Returning
// false keeps the default.
type ErrorAnalyzer interface {
	AnalyzeError(err error, base domain.ErrorAnalysis) (domain.ErrorAnalysis, bool)
}

// statusPattern matches "status 503" / "API error 429:" style messages.
var statusPattern = regexp.MustCompile(`(?:API error|status(?: code)?)[ :=]+(\d{3})`)

// AnalyzeError classifies err. Structured information (sentinels, explicit
// codes) wins over HTTP status text, which wins over keyword heuristics.
func AnalyzeError(err error) domain.ErrorAnalysis {
	if err == nil {
		return domain.ErrorAnalysis{Severity: domain.SeverityLow, Category: CategoryGeneral, Code: domain.CodeUnknown, AutoRecoverable: true}
	}
	if a, ok := analyzeByCode(err); ok {
		return a
	}
	msg := err.Error()
	if m := statusPattern.FindStringSubmatch(msg); len(m) == 2 {
		status, _ := strconv.Atoi(m[1])
		if a, ok := analyzeByStatus(status); ok {
			return a
		}
	}
	return analyzeByText(msg)
}

func analyzeByCode(err error) (domain.ErrorAnalysis, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return cancelled(), true
	case errors.Is(err, context.DeadlineExceeded):
		return timeout(), true
	}

	switch domain.ErrorCodeOf(err) {
	case domain.CodeNetwork:
		return network(), true
	case domain.CodeTimeout, domain.CodeTaskTimeout, domain.CodeRequestTime:
		return timeout(), true
	case domain.CodeRateLimit:
		return rateLimited(), true
	case domain.CodeAuthInvalid:
		return authFailure(), true
	case domain.CodeOutOfMemory:
		return outOfMemory(), true
	case domain.CodeFatal:
		return fatal(), true
	case domain.CodeCapacity, domain.CodeQueueFull, domain.CodeUnavailable:
		return domain.ErrorAnalysis{
			Severity: domain.SeverityMedium, Category: CategoryCapacity, Code: domain.ErrorCodeOf(err),
			Recommendations: []string{"route work to another agent", "increase max_concurrent_tasks"},
			AutoRecoverable: true,
		}, true
	case domain.CodeCancelled, domain.CodeShutdown:
		return cancelled(), true
	case domain.CodeInvalidInput, domain.CodeRouteInvalid:
		return domain.ErrorAnalysis{
			Severity: domain.SeverityMedium, Category: CategoryInput, Code: domain.CodeInvalidInput,
			Recommendations: []string{"validate the message payload"},
		}, true
	}
	return domain.ErrorAnalysis{}, false
}

func analyzeByStatus(status int) (domain.ErrorAnalysis, bool) {
	switch {
	case status == 429:
		return rateLimited(), true
	case status == 401 || status == 403:
		return authFailure(), true
	case status == 408 || status == 504:
		return timeout(), true
	case status >= 500 && status < 600:
		return domain.ErrorAnalysis{
			Severity: domain.SeverityMedium, Category: CategoryUpstream, Code: domain.CodeNetwork,
			Recommendations: []string{"retry with backoff", "check upstream provider status"},
			AutoRecoverable: true,
		}, true
	case status >= 400 && status < 500:
		return domain.ErrorAnalysis{
			Severity: domain.SeverityMedium, Category: CategoryInput, Code: domain.CodeInvalidInput,
			Recommendations: []string{"validate the request sent upstream"},
		}, true
	}
	return domain.ErrorAnalysis{}, false
}

func analyzeByText(msg string) domain.ErrorAnalysis {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "out of memory", "oomkilled", "fatal", "panic"):
		if strings.Contains(lower, "memory") || strings.Contains(lower, "oomkilled") {
			return outOfMemory()
		}
		return fatal()
	case containsAny(lower, "unauthorized", "forbidden", "invalid api key", "authentication"):
		return authFailure()
	case containsAny(lower, "rate limit", "too many requests"):
		return rateLimited()
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return timeout()
	case containsAny(lower, "network", "connection refused", "connection reset", "no such host", "econnrefused"):
		return network()
	}
	return domain.ErrorAnalysis{
		Severity: domain.SeverityLow, Category: CategoryGeneral, Code: domain.CodeUnknown,
		Recommendations: []string{"retry the operation"},
		AutoRecoverable: true,
	}
}

func network() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityMedium, Category: CategoryNetwork, Code: domain.CodeNetwork,
		Recommendations: []string{"retry with backoff", "check RPC endpoint connectivity"},
		AutoRecoverable: true,
	}
}

func timeout() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityMedium, Category: CategoryTimeout, Code: domain.CodeTimeout,
		Recommendations: []string{"retry with backoff", "increase the agent timeout"},
		AutoRecoverable: true,
	}
}

func rateLimited() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityMedium, Category: CategoryRateLimit, Code: domain.CodeRateLimit,
		Recommendations: []string{"back off before retrying", "lower the agent rate limit"},
		AutoRecoverable: true,
	}
}

func authFailure() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityHigh, Category: CategoryAuth, Code: domain.CodeAuthInvalid,
		Recommendations: []string{"rotate or verify API credentials"},
	}
}

func outOfMemory() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityCritical, Category: CategoryResource, Code: domain.CodeOutOfMemory,
		Recommendations: []string{"restart the agent", "reduce max_concurrent_tasks"},
	}
}

func fatal() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityCritical, Category: CategoryFatal, Code: domain.CodeFatal,
		Recommendations: []string{"restart the agent", "inspect the error history"},
	}
}

func cancelled() domain.ErrorAnalysis {
	return domain.ErrorAnalysis{
		Severity: domain.SeverityLow, Category: CategoryCancelled, Code: domain.CodeCancelled,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
