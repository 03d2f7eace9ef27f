// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package queue

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diffeo/go-hypershell/task"
)

// Server runs the bundle queue's accept loop, following the shape of
// the teacher's ServeCBORRPC (cmd/coordinated/cborrpc.go): a
// net.Listen/Accept loop handing each connection to its own
// goroutine, one bufio reader/writer pair per connection.
type Server struct {
	Secret string
	Log    *logrus.Logger

	queues map[QueueName]*Channel
	ln     net.Listener
}

// NewServer creates a Server with one Channel per named queue, all
// four with the same capacity, which bounds how many unclaimed items
// (each one packed task, heartbeat or client record) a queue may hold.
func NewServer(secret string, capacity int, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		Secret: secret,
		Log:    log,
		queues: map[QueueName]*Channel{
			Scheduled: NewChannel(capacity),
			Completed: NewChannel(capacity),
			Heartbeat: NewChannel(capacity),
			Confirmed: NewChannel(capacity),
		},
	}
}

// Queue returns the named Channel, for in-process producers/consumers
// (the server's own Scheduler and Receiver state machines) that don't
// go through the TCP protocol at all.
func (s *Server) Queue(name QueueName) *Channel {
	return s.queues[name]
}

// Listen binds the listener synchronously, so a caller can detect a
// bind failure (port in use, permission denied) before returning
// control to whatever started the server. Accept then runs the
// accept loop against the bound listener.
func (s *Server) Listen(network, laddr string) error {
	ln, err := net.Listen(network, laddr)
	if err != nil {
		return fmt.Errorf("queue: listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Accept loops accepting connections until the listener is closed.
// Listen must have been called first.
func (s *Server) Accept() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

// Serve listens on laddr and accepts connections until the listener
// is closed. Matches the teacher's "panic on any setup error, loop on
// Accept" shape, except callers here get the error back instead of a
// panic, since spec.md §7 requires graceful shutdown.
func (s *Server) Serve(network, laddr string) error {
	if err := s.Listen(network, laddr); err != nil {
		return err
	}
	return s.Accept()
}

// Addr returns the listener's bound address, for callers that Listen
// on ":0" and need to discover the assigned port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting new connections. In-flight connections are
// not forcibly closed; they drain on their own EOF/error.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if !s.authenticate(reader, writer) {
		return
	}

	for {
		req, err := decodeRequest(reader)
		if err == io.EOF {
			return
		} else if err != nil {
			s.Log.WithError(err).Warn("queue: malformed request, closing connection")
			return
		}
		resp := s.dispatch(req)
		if err := encode(writer, resp); err != nil {
			s.Log.WithError(err).Warn("queue: failed to write response, closing connection")
			return
		}
	}
}

func (s *Server) authenticate(reader io.Reader, writer io.Writer) bool {
	req, err := decodeRequest(reader)
	if err != nil {
		return false
	}
	if req.Op != "auth" || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.Secret)) != 1 {
		_ = encode(writer, response{OK: false, Error: "authentication failed"})
		return false
	}
	return encode(writer, response{OK: true}) == nil
}

func (s *Server) dispatch(req request) response {
	ch, ok := s.queues[req.Queue]
	if !ok {
		return response{OK: false, Error: fmt.Sprintf("no such queue %q", req.Queue)}
	}
	switch req.Op {
	case "put":
		for _, item := range req.Bundle {
			if err := ch.Put(item); err != nil {
				return response{OK: false, Error: err.Error()}
			}
		}
		return response{OK: true}
	case "get":
		timeout := time.Duration(req.Timeout * float64(time.Second))
		item, err := ch.Get(timeout)
		if err == ErrTimeout {
			return response{OK: false, Error: ErrTimeout.Error()}
		} else if err != nil {
			return response{OK: false, Error: err.Error()}
		}
		return response{OK: true, Bundle: task.Bundle{item}}
	default:
		return response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
