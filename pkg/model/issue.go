package model

import "fmt"

type Severity string

const (
	SeverityError   Severity = "Error"
	SeverityWarning Severity = "Warning"
	SeverityInfo    Severity = "Info"
)

// Issue is a configuration problem found while initialising an action or expression.
type Issue struct {
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Field       string   `json:"field,omitempty"`
	Action      string   `json:"action,omitempty"`
	Transaction string   `json:"businessTransaction,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s (field=%s action=%s)", i.Severity, i.Message, i.Field, i.Action)
}

func ErrorIssue(field, msg string) Issue {
	return Issue{Severity: SeverityError, Field: field, Message: msg}
}

func WarningIssue(field, msg string) Issue {
	return Issue{Severity: SeverityWarning, Field: field, Message: msg}
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
