package reliability

import (
	"context"
	"time"
)

// FailureType classifies why a message was dead-lettered
type FailureType string

const (
	// FailureDecode marks payloads that could not be decoded or validated
	FailureDecode FailureType = "decode"
	// FailureProcessing marks messages whose handler kept failing
	FailureProcessing FailureType = "processing"
)

// Dead-letter headers set on messages routed to a dead-letter queue
const (
	HeaderFailureType   = "x-failure-type"
	HeaderLastError     = "x-last-error"
	HeaderOriginalQueue = "x-original-queue"
	HeaderAttempts      = "x-attempts"
)

// DeadLetter describes a message removed from its work queue
type DeadLetter struct {
	MessageID       string
	Queue           string
	DeadLetterQueue string
	FailureType     FailureType
	Attempts        int
	LastError       string
	Body            []byte
	ContentType     string
	DeadLetteredAt  time.Time
}

// DeadLetterRecorder persists dead-letter records
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, letter DeadLetter) error
}
