// Package queue delivers background tasks from HTTP handlers to workers.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind identifies a task handler.
type Kind string

const (
	KindStartSession    Kind = "start_session"
	KindSendUserMessage Kind = "send_user_message"
)

// Task is one unit of background work.
type Task struct {
	Kind      Kind  `json:"kind"`
	SessionID int64 `json:"session_id"`
	MessageID int64 `json:"message_id,omitempty"`
}

// StartSession builds a start_session task.
func StartSession(sessionID int64) Task {
	return Task{Kind: KindStartSession, SessionID: sessionID}
}

// SendUserMessage builds a send_user_message task.
func SendUserMessage(sessionID, messageID int64) Task {
	return Task{Kind: KindSendUserMessage, SessionID: sessionID, MessageID: messageID}
}

// Validate rejects tasks that no worker could handle.
func (t Task) Validate() error {
	switch t.Kind {
	case KindStartSession:
	case KindSendUserMessage:
		if t.MessageID <= 0 {
			return fmt.Errorf("task %s: message_id required: %w", t.Kind, errdefs.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown task kind %q: %w", t.Kind, errdefs.ErrInvalidArgument)
	}
	if t.SessionID <= 0 {
		return fmt.Errorf("task %s: session_id required: %w", t.Kind, errdefs.ErrInvalidArgument)
	}
	return nil
}

// ErrClosed is returned by a queue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO-ish task queue with no ordering guarantee between kinds.
type Queue interface {
	// Enqueue hands a task to the queue. It fails with an unavailable error
	// when the queue cannot accept work.
	Enqueue(ctx context.Context, task Task) error

	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)

	// Ping reports whether the queue backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
