package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrStore matches every error produced by a store gateway.
	ErrStore = errors.New("chat: store error")
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("chat: not found")
	// ErrEmptyContent rejects a send whose text is empty after trimming.
	ErrEmptyContent = errors.New("chat: empty content")
	// ErrContentTooLong rejects a send above MaxContentChars.
	ErrContentTooLong = fmt.Errorf("chat: content too long: max=%d chars", MaxContentChars)
	// ErrInvalidRecord is returned when a pushed payload does not describe a valid record.
	ErrInvalidRecord = errors.New("chat: invalid record")
)

// StoreError describes a failed gateway operation.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError wraps err for op. It returns nil when err is nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes every StoreError match ErrStore.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// FailureKind classifies how a failure was recovered. It is attached to log lines.
type FailureKind string

const (
	LoadFailure         FailureKind = "load"
	SendFailure         FailureKind = "send"
	SubscriptionFailure FailureKind = "subscription"
	ReadMarkFailure     FailureKind = "read_mark"
)
