// Package replserver implements a small bencode nREPL server. It speaks the
// subset of operations the client dialects use and evaluates code through a
// pluggable function, which makes it a stand-in for a real remote in
// integration tests and demos.
package replserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/rs/zerolog"

	"github.com/zylisp/nrepl/protocol"
)

// peer is one accepted client connection.
type peer struct {
	id    uint32
	conn  net.Conn
	codec *protocol.BencodeCodec
	log   zerolog.Logger
}

func (p *peer) send(msg *protocol.Message) {
	if err := p.codec.Encode(msg); err != nil {
		p.log.Debug().Err(err).Msg("Failed to send reply")
	}
}

// Server accepts nREPL clients over TCP or a unix domain socket.
type Server struct {
	network string
	addr    string
	handler *Handler
	log     zerolog.Logger

	mu    sync.Mutex
	ln    net.Listener
	peers map[uint32]*peer

	peerIDs  atomix.Uint32
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new server. network is "tcp" or "unix"; for unix, addr
// is the socket path.
func NewServer(network, addr string, evaluator EvaluatorFunc, log zerolog.Logger) *Server {
	return &Server{
		network: network,
		addr:    addr,
		handler: NewHandler(evaluator),
		log:     log.With().Str("component", "replserver").Str("network", network).Logger(),
		peers:   make(map[uint32]*peer),
		quit:    make(chan struct{}),
	}
}

// Handler returns the operation handler, e.g. to define lookup results.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Listen binds the socket and serves clients in the background until ctx
// is cancelled or Stop is called.
func (s *Server) Listen(ctx context.Context) error {
	if s.network == "unix" {
		// stale socket of a crashed server
		os.Remove(s.addr)
	}
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", s.network, s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	s.wg.Add(1)
	go s.serve(ln)
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.quit:
		}
	}()
	return nil
}

// Start listens and blocks until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	<-s.quit
	return ctx.Err()
}

// Stop closes the listener and every client, interrupts running
// evaluations and waits for the server goroutines until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdown()

	done := make(chan struct{})
	go func() {
		s.handler.Shutdown()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ln != nil {
			s.ln.Close()
		}
		for _, p := range s.peers {
			p.conn.Close()
		}
	})
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Peers returns the number of connected clients.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		p := &peer{
			id:    s.peerIDs.Add(1),
			conn:  conn,
			codec: protocol.NewBencodeCodec(conn),
		}
		p.log = s.log.With().Uint32("peer", p.id).Logger()

		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.peers[p.id] = p
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(p)
	}
}

// run reads requests of one peer until it disconnects.
func (s *Server) run(p *peer) {
	defer s.wg.Done()
	defer func() {
		p.conn.Close()
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()
		p.log.Debug().Msg("Client disconnected")
	}()
	p.log.Debug().Str("remote", fmt.Sprint(p.conn.RemoteAddr())).Msg("Client connected")

	for {
		var req protocol.Message
		if err := p.codec.Decode(&req); err != nil {
			return
		}
		p.log.Debug().Stringer("msg", &req).Msg("Request")
		s.handler.Handle(&req, p.send)
	}
}
