//go:build wasip1

package event

import (
	"io"
	"unsafe"
)

//go:wasmimport env event_type
func eventType(ev uint32) uint32

//go:wasmimport env event_http
func eventHTTP(ev uint32) uint32

//go:wasmimport env http_body_read
func httpBodyRead(ev, bufPtr, bufLen, nPtr uint32) uint32

//go:wasmimport env http_write
func httpWrite(ev, bufPtr, bufLen, nPtr uint32) uint32

//go:wasmimport env http_status
func httpStatus(ev, code uint32) uint32

//go:wasmimport env publish
func hostPublish(topicPtr, topicLen, payloadPtr, payloadLen uint32)

//go:wasmimport env log
func hostLog(msgPtr, msgLen uint32)

// Log writes msg to the host log, tagged with the module name.
func Log(msg string) {
	hostLog(stringPtr(msg), uint32(len(msg)))
}

// Publish sends payload to the host bus on topic.
func Publish(topic string, payload []byte) {
	hostPublish(stringPtr(topic), uint32(len(topic)), bytesPtr(payload), uint32(len(payload)))
}

// FromHandle wraps the event id the host passes to an exported function.
func FromHandle(ev uint32) Event {
	return hostEvent(ev)
}

type hostEvent uint32

func (e hostEvent) Type() Type {
	return Type(eventType(uint32(e)))
}

func (e hostEvent) HTTP() (HTTP, error) {
	if err := Errno(eventHTTP(uint32(e))).Err(); err != nil {
		return nil, err
	}
	return hostHTTP(e), nil
}

type hostHTTP uint32

func (h hostHTTP) Body() io.ReadCloser {
	return &bodyReader{ev: uint32(h)}
}

func (h hostHTTP) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n uint32
	errno := Errno(httpWrite(uint32(h), bytesPtr(p), uint32(len(p)), uint32(uintptr(unsafe.Pointer(&n)))))
	return int(n), errno.Err()
}

func (h hostHTTP) SetStatus(code int) error {
	return Errno(httpStatus(uint32(h), uint32(code))).Err()
}

type bodyReader struct {
	ev  uint32
	eof bool
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	var n uint32
	switch errno := Errno(httpBodyRead(b.ev, bytesPtr(p), uint32(len(p)), uint32(uintptr(unsafe.Pointer(&n))))); errno {
	case OK:
		return int(n), nil
	case ErrnoEOF:
		b.eof = true
		return 0, io.EOF
	default:
		return 0, errno
	}
}

func (b *bodyReader) Close() error { return nil }

func bytesPtr(p []byte) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(p))))
}

func stringPtr(s string) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.StringData(s))))
}
