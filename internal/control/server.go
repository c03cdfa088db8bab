package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"vnidsd/internal/logging"
	"vnidsd/internal/vnidserr"
)

const (
	epollTimeoutMs = 100
	maxEpollEvents = 64
	// stagingCap is the fixed per-client receive buffer: a full frame is
	// at most prefixLen + maxBodyLen bytes, spec.md §4.6 / §3 Control
	// Session invariant.
	stagingCap = prefixLen + maxBodyLen
)

// session is a per-client staging buffer and connection handle. Its
// lifecycle is ReceivingPrefix -> ReceivingBody -> Dispatch -> Respond ->
// ReceivingPrefix, spec.md §4.6.
type session struct {
	fd     int
	buf    [stagingCap]byte
	filled int
}

// Server is the control-plane length-prefixed request/response server: a
// Unix domain socket with an edge-triggered epoll readiness multiplex
// bounding concurrent sessions at maxSessions. No pack repo frames a Unix
// socket this way, so the transport is built directly from spec.md §4.6
// using golang.org/x/sys/unix the same way the supervisor uses it for
// signal delivery.
type Server struct {
	logger *logging.Logger
	path   string
	h      Handler

	listenFd int
	epfd     int

	mu       sync.Mutex
	sessions map[int]*session

	shuttingDown atomic.Bool

	connections atomic.Int64
	requests    atomic.Int64
	errors      atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Server dispatching requests to h. Start must be called to
// bind and begin accepting clients.
func New(logger *logging.Logger, h Handler) *Server {
	return &Server{
		logger:   logger,
		h:        h,
		sessions: make(map[int]*session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start binds a Unix domain socket at path with mode 0660, creates the
// epoll instance, and begins the accept/readiness loop on its own
// goroutine.
func (s *Server) Start(path string) error {
	s.path = path
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind control socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("chmod control socket: %w", err)
	}
	if err := unix.Listen(fd, maxSessions); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen control socket: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("create epoll instance: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(fd)
		return fmt.Errorf("register listener with epoll: %w", err)
	}

	s.listenFd = fd
	s.epfd = epfd

	go s.loop()
	return nil
}

// loop is the server's single readiness thread: it epoll_waits with a
// bounded timeout so it can observe stopCh promptly, then handles the
// listener and every ready client fd.
func (s *Server) loop() {
	defer close(s.doneCh)

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		select {
		case <-s.stopCh:
			s.closeAll()
			return
		default:
		}

		n, err := unix.EpollWait(s.epfd, events, epollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.logger.LogControlEvent("epoll_wait_error", "error", err)
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == s.listenFd {
				s.acceptAll()
				continue
			}
			s.handleReadable(fd)
		}
	}
}

// acceptAll drains the accept queue until EAGAIN, taking every pending
// connection in one pass. The listener itself is registered
// level-triggered; client sessions are edge-triggered.
func (s *Server) acceptAll() {
	for {
		connFd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.logger.LogControlEvent("accept_error", "error", err)
			return
		}

		s.mu.Lock()
		full := len(s.sessions) >= maxSessions
		if !full {
			s.sessions[connFd] = &session{fd: connFd}
		}
		s.mu.Unlock()

		if full {
			_ = unix.Close(connFd)
			s.errors.Add(1)
			continue
		}

		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, connFd,
			&unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(connFd)}); err != nil {
			s.dropSession(connFd)
			continue
		}
		s.connections.Add(1)
	}
}

// handleReadable drains fd until EAGAIN (required for edge-triggered
// readiness), feeding each chunk into the session's framing state
// machine.
func (s *Server) handleReadable(fd int) {
	s.mu.Lock()
	sess, ok := s.sessions[fd]
	s.mu.Unlock()
	if !ok {
		return
	}

	for {
		if sess.filled >= len(sess.buf) {
			// No complete frame could be parsed before filling the fixed
			// staging buffer: spec.md §3's cap invariant.
			s.dropSession(fd)
			s.errors.Add(1)
			return
		}

		n, err := unix.Read(fd, sess.buf[sess.filled:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.dropSession(fd)
			return
		}
		if n == 0 {
			s.dropSession(fd)
			return
		}
		sess.filled += n

		if oversized := s.processFrames(sess); oversized {
			s.dropSession(fd)
			s.errors.Add(1)
			return
		}
	}
}

// processFrames consumes every complete frame currently buffered,
// dispatching and responding to each in turn. It returns true if the
// declared body length of a pending frame exceeds maxBodyLen, spec.md
// P10: the caller must close the session without responding.
func (s *Server) processFrames(sess *session) bool {
	for {
		if sess.filled < prefixLen {
			return false
		}
		bodyLen := binary.BigEndian.Uint32(sess.buf[:prefixLen])
		if bodyLen > uint32(maxBodyLen) {
			return true
		}
		total := prefixLen + int(bodyLen)
		if sess.filled < total {
			return false
		}

		body := make([]byte, bodyLen)
		copy(body, sess.buf[prefixLen:total])

		resp := s.handleRequest(body)
		if frame, err := encodeFrame(resp); err == nil {
			s.writeAll(sess.fd, frame)
		} else {
			s.logger.LogControlEvent("encode_response_failed", "error", err)
		}

		remaining := sess.filled - total
		copy(sess.buf[:remaining], sess.buf[total:sess.filled])
		sess.filled = remaining
	}
}

func (s *Server) handleRequest(body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.errors.Add(1)
		return errorResponse(vnidserr.CodeInvalidParams, "malformed request body")
	}
	s.requests.Add(1)
	resp := dispatch(s.h, req, s.shuttingDown.Load())
	if !resp.Success {
		s.errors.Add(1)
	}
	return resp
}

// writeAll blocks until frame has been fully written or an error occurs.
// Dispatching must not block the accept path for anything but a slow
// client's own socket buffer, per spec.md §4.6.
func (s *Server) writeAll(fd int, frame []byte) {
	for len(frame) > 0 {
		n, err := unix.Write(fd, frame)
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			s.dropSession(fd)
			return
		}
		frame = frame[n:]
	}
}

func (s *Server) dropSession(fd int) {
	s.mu.Lock()
	delete(s.sessions, fd)
	s.mu.Unlock()
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.Close(fd)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	fds := make([]int, 0, len(s.sessions))
	for fd := range s.sessions {
		fds = append(fds, fd)
	}
	s.sessions = make(map[int]*session)
	s.mu.Unlock()

	for _, fd := range fds {
		_ = unix.Close(fd)
	}
	_ = unix.Close(s.listenFd)
	_ = unix.Close(s.epfd)
	_ = os.Remove(s.path)
}

// NotifyShuttingDown marks the server so that new requests receive
// `shutdown_in_progress` instead of being dispatched, spec.md §4.6's
// error-code table.
func (s *Server) NotifyShuttingDown() {
	s.shuttingDown.Store(true)
}

// Stop signals the loop to close every session and the listener, and
// blocks until it has.
func (s *Server) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Stats returns the lifetime connection, request, and error counters.
func (s *Server) Stats() (connections, requests, errors int64) {
	return s.connections.Load(), s.requests.Load(), s.errors.Load()
}
