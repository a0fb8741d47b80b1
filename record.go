package httpfn

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tinywasm/binary"
	"github.com/tinywasm/httpfn/sdk/event"
)

// TopicInvocations is the bus topic invocation records are published on.
const TopicInvocations = "invocations"

type InvocationStatus string

const (
	InvocationStatusSuccess  InvocationStatus = "success"
	InvocationStatusError    InvocationStatus = "error"
	InvocationStatusTimeout  InvocationStatus = "timeout"
	InvocationStatusCanceled InvocationStatus = "canceled"
)

// InvocationRecord describes one finished invocation.
type InvocationRecord struct {
	ID          string           `json:"id"`
	Function    string           `json:"function"`
	RequestID   string           `json:"request_id"`
	Trigger     string           `json:"trigger"`
	InputSize   int              `json:"input_size"`
	OutputSize  int              `json:"output_size"`
	HTTPStatus  int              `json:"http_status,omitempty"`
	Status      InvocationStatus `json:"status"`
	Errno       uint32           `json:"errno"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	DurationMS  int64            `json:"duration_ms"`
}

func newRecord(fn string, ev *Event, start time.Time, err error) *InvocationRecord {
	done := time.Now()
	rec := &InvocationRecord{
		ID:          uuid.NewString(),
		Function:    fn,
		RequestID:   ev.RequestID(),
		Trigger:     ev.Type().String(),
		InputSize:   ev.InputSize(),
		OutputSize:  len(ev.Response()),
		Status:      InvocationStatusSuccess,
		StartedAt:   start,
		CompletedAt: done,
		DurationMS:  done.Sub(start).Milliseconds(),
	}

	if ev.HasHTTP() {
		rec.HTTPStatus = ev.Status()
	}

	if err != nil {
		rec.Status = InvocationStatusError
		switch {
		case isTimeout(err):
			rec.Status = InvocationStatusTimeout
		case errors.Is(err, ErrCanceled):
			rec.Status = InvocationStatusCanceled
		}
		rec.Errno = uint32(event.ToErrno(err))
		rec.Error = err.Error()
		rec.OutputSize = 0
		if ev.HasHTTP() {
			rec.HTTPStatus = statusFor(err)
		}
	}
	return rec
}

// record publishes the invocation on the bus and to websocket watchers of fn.
func (s *Server) record(fn string, ev *Event, start time.Time, err error) {
	data, merr := json.Marshal(newRecord(fn, ev, start, err))
	if merr != nil {
		s.logger("Record:", merr)
		return
	}
	s.bus.Publish(TopicInvocations, binary.Message{Payload: data})
	s.wsHub.Broadcast(fn, data)
}
