package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidOperation = errors.New("invalid queue operation")
	ErrInvalidPriority  = errors.New("invalid queue priority")
)

// Operation is the kind of write a queued mutation performs remotely.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ParseOperation parses a case-insensitive operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
	}
	return op, nil
}

// Priority orders replay: every High entry is attempted before any Medium,
// every Medium before any Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority parses "low", "medium" or "high".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// QueueEntry is one pending write in the outbox.
type QueueEntry struct {
	ID         string    `json:"id" yaml:"id"`
	Operation  Operation `json:"operation" yaml:"operation"`
	Collection string    `json:"collection" yaml:"collection"`
	Payload    []byte    `json:"payload" yaml:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt" yaml:"enqueuedAt"`
	RetryCount int       `json:"retryCount" yaml:"retryCount"`
	Priority   Priority  `json:"priority" yaml:"priority"`
	LastError  string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// TerminalFailure describes a queued mutation that exhausted its retry budget
// and was discarded without reaching the remote system.
type TerminalFailure struct {
	Entry  QueueEntry `json:"entry" yaml:"entry"`
	Reason string     `json:"reason" yaml:"reason"`
	At     time.Time  `json:"at" yaml:"at"`
}
