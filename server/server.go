// Package server accepts relay clients, authenticates them and turns their
// frames into store operations.
//
// Every inbound event is handled by one goroutine (Run). Connections only
// decode and encode frames; documents reach clients through the stores and
// the dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatrelay/dispatch"
	"chatrelay/docstore"
	"chatrelay/models"
	"chatrelay/query"
	"chatrelay/storage"
	"chatrelay/wire"
)

// DefaultEventBuffer sizes the shared inbound event channel.
const DefaultEventBuffer = 256

// Waker is notified whenever new deliverable documents exist.
type Waker interface {
	Wake()
}

// Config wires a Server.
type Config struct {
	// Address is the IPv4 listen address; ":0" picks a free port.
	Address      string
	Codec        *wire.Codec
	PasscodeHash []byte

	Messages *docstore.Store
	Notices  *docstore.Store

	// Registry is shared with the dispatcher; nil creates a private one.
	Registry *Registry
	Journal  dispatch.Journal
	Waker    Waker
	Logger   *zap.SugaredLogger

	SendQueueSize int
	EventBuffer   int
	Now           func() time.Time
}

func (c Config) withDefaults() (Config, error) {
	out := c
	if out.Address == "" {
		out.Address = ":0"
	}
	if out.Codec == nil {
		codec, err := wire.NewCodec(wire.DefaultWidths())
		if err != nil {
			return Config{}, err
		}
		out.Codec = codec
	}
	if out.Registry == nil {
		out.Registry = NewRegistry()
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop().Sugar()
	}
	return out, nil
}

func (c Config) validate() error {
	if len(c.PasscodeHash) == 0 {
		return errors.New("server: passcode hash is required")
	}
	if c.Messages == nil || c.Notices == nil {
		return errors.New("server: message and notice stores are required")
	}
	return nil
}

// Server owns the listener, the registry and the inbound event loop.
type Server struct {
	cfg      Config
	listener net.Listener
	address  models.Address
	registry *Registry
	log      *zap.SugaredLogger

	messages *query.Engine
	notices  *query.Engine
	clock    *noticeClock

	events chan Event

	clientsMu sync.Mutex
	clients   map[*Client]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds an IPv4 TCP listener and starts accepting clients. Frames
// are not processed until Run is called.
func Listen(cfg Config) (*Server, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", cfg.Address, err)
	}
	address, err := models.AddressOf(listener.Addr())
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	log := cfg.Logger.Named("server")
	s := &Server{
		cfg:      cfg,
		listener: listener,
		address:  address,
		registry: cfg.Registry,
		log:      log,
		messages: query.NewEngine(cfg.Messages, log),
		notices:  query.NewEngine(cfg.Notices, log),
		clock:    newNoticeClock(cfg.Now),
		events:   make(chan Event, cfg.EventBuffer),
		clients:  make(map[*Client]struct{}),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Address returns the listening address as stored in notices.
func (s *Server) Address() models.Address {
	return s.address
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run handles inbound events until ctx is cancelled, then closes the server.
func (s *Server) Run(ctx context.Context) error {
	s.record(storage.EventListening, nil, "", map[string]any{"address": s.address.String()})
	s.log.Infow("relay listening", "address", s.address.String())

	for {
		select {
		case <-ctx.Done():
			return s.Close()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()

		s.clientsMu.Lock()
		clients := make([]*Client, 0, len(s.clients))
		for c := range s.clients {
			clients = append(clients, c)
		}
		s.clientsMu.Unlock()
		for _, c := range clients {
			_ = c.Close()
		}
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warnw("accept connection", "error", err)
			}
			continue
		}

		client, err := newClient(conn, s.events, s.closed, clientOptions{
			codec:         s.cfg.Codec,
			sendQueueSize: s.cfg.SendQueueSize,
		})
		if err != nil {
			s.log.Warnw("reject connection", "remote", conn.RemoteAddr().String(), "error", err)
			_ = conn.Close()
			continue
		}

		s.clientsMu.Lock()
		s.clients[client] = struct{}{}
		s.clientsMu.Unlock()

		select {
		case s.events <- Event{Kind: EventConnected, Client: client}:
			client.start()
		case <-s.closed:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) forget(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (s *Server) wake() {
	if s.cfg.Waker != nil {
		s.cfg.Waker.Wake()
	}
}
