// Package control implements the local length-prefixed request/response
// server of spec.md §4.6: an edge-triggered, multi-client Unix domain
// socket server with bounded per-client framing buffers and a closed
// command dispatch table. No pack repo implements Unix-socket framing, so
// this package is built directly from spec.md using golang.org/x/sys/unix
// for the epoll readiness multiplex the spec calls for, the same
// dependency the supervisor uses for signal delivery.
package control

import (
	"encoding/binary"
	"encoding/json"
)

// maxBodyLen is the maximum framed message body, spec.md §4.6: 64 KiB
// minus the 4-byte length prefix.
const maxBodyLen = 64*1024 - 4

// prefixLen is the big-endian length-prefix size.
const prefixLen = 4

// maxSessions bounds concurrent control clients, spec.md's resource
// limits table.
const maxSessions = 32

// Request is the control-plane wire request shape, spec.md §4.6.
type Request struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the control-plane wire response shape, spec.md §4.6.
type Response struct {
	Success   bool   `json:"success"`
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func encodeFrame(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, prefixLen+len(body))
	binary.BigEndian.PutUint32(out[:prefixLen], uint32(len(body)))
	copy(out[prefixLen:], body)
	return out, nil
}
