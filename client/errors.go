package client

import (
	"fmt"
	"strings"
)

// API error type. implements the Stringer interface.
type ErrType int

const (
	RequestErr ErrType = iota + 1
	ResponseErr
)

func (t ErrType) String() string {
	switch t {
	case RequestErr:
		return "req"
	case ResponseErr:
		return "resp"
	}
	return ""
}

// API error. implements the error interface.
type APIError struct {
	Type       ErrType
	StatusCode int
	Reason     string
	JobID      string
	RequestID  string
	// Problems is set when a schedule reload was rejected.
	Problems []Problem
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("t:%s; m:%s; j:%s; r:%s", e.Type, e.Reason, e.JobID, e.RequestID)
	if len(e.Problems) > 0 {
		problems := make([]string, len(e.Problems))
		for i, p := range e.Problems {
			problems[i] = p.String()
		}
		msg += "; p:" + strings.Join(problems, ", ")
	}
	return msg
}

// IsNotFound reports whether the server answered 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == 404
}
