package scheduler

import (
	"strings"

	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/protocol"
	"dcs-spi-go/pkg/reactor"
)

// Message is one message of a code result
type Message struct {
	Severity protocol.Severity
	Content  string
}

// Result is everything the firmware replied to a code
type Result []Message

// HasError reports whether any message is an error
func (r Result) HasError() bool {
	for _, m := range r {
		if m.Severity == protocol.SeverityError {
			return true
		}
	}
	return false
}

func (r Result) String() string {
	parts := make([]string, 0, len(r))
	for _, m := range r {
		switch m.Severity {
		case protocol.SeverityError:
			parts = append(parts, "Error: "+m.Content)
		case protocol.SeverityWarning:
			parts = append(parts, "Warning: "+m.Content)
		default:
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// CodeState is the lifecycle of a queued code
type CodeState int

const (
	CodeQueued CodeState = iota
	CodeDispatched
	// CodeSuspended codes called a macro and wait for it to return
	CodeSuspended
	CodeFinished
)

func (s CodeState) String() string {
	switch s {
	case CodeQueued:
		return "queued"
	case CodeDispatched:
		return "dispatched"
	case CodeSuspended:
		return "suspended"
	default:
		return "finished"
	}
}

// QueuedCode is a code waiting for the firmware. Codes read from macro
// files and print jobs are system codes: nobody waits on them, so their
// errors are logged instead.
type QueuedCode struct {
	Code *gcode.Command

	system     bool
	state      CodeState
	result     Result
	incomplete bool
	done       *reactor.Completion[Result]
}

func newQueuedCode(cmd *gcode.Command, system bool) *QueuedCode {
	return &QueuedCode{
		Code:   cmd,
		system: system,
		done:   reactor.NewCompletion[Result](),
	}
}

// Completion is resolved once the firmware has fully replied
func (q *QueuedCode) Completion() *reactor.Completion[Result] {
	return q.done
}

// State returns the lifecycle state
func (q *QueuedCode) State() CodeState {
	return q.state
}

// HandleReply adds a reply from the firmware. A reply flagged as pushed
// is continued by the next one; anything else finishes the code.
func (q *QueuedCode) HandleReply(flags protocol.MessageTypeFlags, text string) {
	if text != "" {
		if q.incomplete && len(q.result) > 0 {
			q.result[len(q.result)-1].Content += text
		} else {
			q.result = append(q.result, Message{Severity: flags.Severity(), Content: text})
		}
	}

	q.incomplete = flags.Incomplete()
	if !q.incomplete {
		for i := range q.result {
			q.result[i].Content = strings.TrimRight(q.result[i].Content, " \t\r\n")
		}
		q.finish()
	}
}

// CanFinish reports whether the code got its reply and can leave its
// channel
func (q *QueuedCode) CanFinish() bool {
	return q.state == CodeFinished
}

func (q *QueuedCode) finish() {
	q.state = CodeFinished
	q.done.Complete(q.result)
}

// finishWith appends a synthetic message and finishes the code
func (q *QueuedCode) finishWith(severity protocol.Severity, text string) {
	q.result = append(q.result, Message{Severity: severity, Content: text})
	q.finish()
}

func (q *QueuedCode) fail(err error) {
	q.state = CodeFinished
	q.done.Fail(err)
}

// QueuedLockRequest asks the firmware to lock movement for a channel and
// wait for standstill, or to release everything the channel holds
type QueuedLockRequest struct {
	Channel gcode.Channel
	Lock    bool

	sent bool
	done *reactor.Completion[bool]
}

func newLockRequest(channel gcode.Channel, lock bool) *QueuedLockRequest {
	return &QueuedLockRequest{
		Channel: channel,
		Lock:    lock,
		done:    reactor.NewCompletion[bool](),
	}
}

// Completion resolves to true once the request is granted and to false
// if it was abandoned by a reset or emergency stop
func (r *QueuedLockRequest) Completion() *reactor.Completion[bool] {
	return r.done
}

func (r *QueuedLockRequest) resolve(ok bool) {
	r.done.Complete(ok)
}
