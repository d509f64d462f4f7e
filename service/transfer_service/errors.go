package transfer_service

import (
	"errors"
	"fmt"

	"qkchat-transfer/model"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrEngineStopped = errors.New("transfer engine is stopped")
	ErrNotTerminal   = errors.New("task is not in a terminal state")
)

// transferError carries the failure kind that ends up on the task record.
type transferError struct {
	kind    model.ErrorKind
	message string
}

func (e *transferError) Error() string {
	return e.message
}

func failf(kind model.ErrorKind, format string, args ...interface{}) *transferError {
	return &transferError{kind: kind, message: fmt.Sprintf(format, args...)}
}

// classify maps a worker error to the kind recorded on the failed task.
// Untyped errors come from the transport layer and count as network failures.
func classify(err error) (model.ErrorKind, string) {
	var te *transferError
	if errors.As(err, &te) {
		return te.kind, te.message
	}
	return model.ErrorKindNetwork, err.Error()
}

// ErrorKindOf reports the kind attached to a submission error, if any.
func ErrorKindOf(err error) (model.ErrorKind, bool) {
	var te *transferError
	if errors.As(err, &te) {
		return te.kind, true
	}
	return "", false
}
