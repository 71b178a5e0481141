// Package recovery implements the resilient executor: it runs browser
// operations, classifies failures from their error text, and walks a
// per-class strategy list across a bounded number of retries.
package recovery

import "strings"

// ErrorType buckets a classified runtime failure.
type ErrorType string

const (
	ErrorElementNotFound  ErrorType = "element_not_found"
	ErrorTimeout          ErrorType = "timeout"
	ErrorNetwork          ErrorType = "network"
	ErrorPermissionDenied ErrorType = "permission_denied"
	ErrorUnknown          ErrorType = "unknown"
)

// classificationRule maps message substrings to an error type. Rules are
// evaluated in order; the first hit wins.
type classificationRule struct {
	needles []string
	errType ErrorType
}

var classificationRules = []classificationRule{
	{[]string{"no element", "not found", "no node", "detached"}, ErrorElementNotFound},
	{[]string{"timeout", "timed out", "deadline exceeded", "exceeded"}, ErrorTimeout},
	{[]string{"network", "connection", "refused", "dns"}, ErrorNetwork},
	{[]string{"permission", "denied", "forbidden"}, ErrorPermissionDenied},
}

// Classify derives an ErrorType from the error's message. Matching raw
// message text is fragile but preserved for compatibility with recorded
// behavior; structured error codes are the intended replacement.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classificationRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.errType
			}
		}
	}
	return ErrorUnknown
}
