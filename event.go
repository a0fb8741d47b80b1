package httpfn

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tinywasm/httpfn/sdk/event"
)

// Event is the host side of one invocation trigger. Guests only see its id.
type Event struct {
	id        uint32
	requestID string
	typ       event.Type
	http      *httpFacet
	payload   []byte
}

type httpFacet struct {
	body        []byte
	off         int
	status      int
	resp        bytes.Buffer
	maxResponse int64
}

// NewEvent builds an HTTP event around an already read body.
func NewEvent(body []byte, maxResponse int64) *Event {
	return &Event{
		requestID: uuid.NewString(),
		typ:       event.TypeHTTP,
		http: &httpFacet{
			body:        body,
			status:      http.StatusOK,
			maxResponse: maxResponse,
		},
	}
}

// NewHTTPEvent reads at most maxBody bytes of r's body into a new event.
// Zero limits mean unlimited.
func NewHTTPEvent(r *http.Request, maxBody, maxResponse int64) (*Event, error) {
	var body []byte
	if r.Body != nil {
		var src io.Reader = r.Body
		if maxBody > 0 {
			src = io.LimitReader(r.Body, maxBody+1)
		}
		var err error
		body, err = io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if maxBody > 0 && int64(len(body)) > maxBody {
			return nil, ErrBodyTooLarge
		}
	}

	ev := NewEvent(body, maxResponse)
	if id := r.Header.Get("X-Request-Id"); id != "" {
		ev.requestID = id
	}
	return ev, nil
}

// NewPubSubEvent builds an event without an HTTP facet.
func NewPubSubEvent(payload []byte) *Event {
	return &Event{
		requestID: uuid.NewString(),
		typ:       event.TypePubSub,
		payload:   payload,
	}
}

func (e *Event) ID() uint32        { return e.id }
func (e *Event) RequestID() string { return e.requestID }
func (e *Event) Type() event.Type  { return e.typ }
func (e *Event) HasHTTP() bool     { return e.http != nil }

// InputSize is the size of the body or payload that triggered the event.
func (e *Event) InputSize() int {
	if e.http != nil {
		return len(e.http.body)
	}
	return len(e.payload)
}

// Status is the response status set by the guest, 200 by default.
func (e *Event) Status() int {
	if e.http == nil {
		return 0
	}
	return e.http.status
}

// Response returns what the guest wrote to the response sink.
func (e *Event) Response() []byte {
	if e.http == nil {
		return nil
	}
	return e.http.resp.Bytes()
}

// rewind resets the body cursor so the next module reads from the start.
func (e *Event) rewind() {
	if e.http != nil {
		e.http.off = 0
	}
}

// discardResponse drops output written by middleware.
func (e *Event) discardResponse() {
	if e.http != nil {
		e.http.resp.Reset()
	}
}

// peek returns up to n unread body bytes without consuming them.
func (f *httpFacet) peek(n uint32) []byte {
	rest := f.body[f.off:]
	if uint32(len(rest)) > n {
		rest = rest[:n]
	}
	return rest
}

func (f *httpFacet) advance(n int) { f.off += n }

func (f *httpFacet) write(p []byte) event.Errno {
	if f.maxResponse > 0 && int64(f.resp.Len()+len(p)) > f.maxResponse {
		return event.ErrnoWriteFailed
	}
	f.resp.Write(p)
	return event.OK
}

func (f *httpFacet) setStatus(code uint32) event.Errno {
	if code < 100 || code > 999 {
		return event.ErrnoWriteFailed
	}
	f.status = int(code)
	return event.OK
}

// eventTable hands out the ids guests use to refer to live events.
type eventTable struct {
	mu     sync.RWMutex
	next   uint32
	events map[uint32]*Event
}

func newEventTable() *eventTable {
	return &eventTable{events: make(map[uint32]*Event)}
}

// register assigns ev a fresh non-zero id. The returned func releases it.
func (t *eventTable) register(ev *Event) func() {
	t.mu.Lock()
	t.next++
	if t.next == 0 {
		t.next++
	}
	id := t.next
	ev.id = id
	t.events[id] = ev
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.events, id)
		t.mu.Unlock()
	}
}

func (t *eventTable) get(id uint32) *Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.events[id]
}
