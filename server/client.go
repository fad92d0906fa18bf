package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/models"
	"chatrelay/wire"
)

var (
	// ErrSendQueueFull indicates the outbound queue of a client is full.
	ErrSendQueueFull = errors.New("server: client send queue full")
	// ErrClientClosed indicates the client connection is gone.
	ErrClientClosed = errors.New("server: client closed")
)

const (
	// DefaultSendQueueSize bounds the outbound frames queued per client.
	DefaultSendQueueSize = 64
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
)

// ClientState is the authentication state of one connection.
type ClientState string

const (
	StateUnauthenticated  ClientState = "UNAUTHENTICATED"
	StatePasscodeAccepted ClientState = "PASSCODE_ACCEPTED"
	StateNamed            ClientState = "NAMED"
	StateDisconnected     ClientState = "DISCONNECTED"
)

// EventKind classifies inbound events.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventFrame
	EventDisconnected
)

// Event is one unit of work for the inbound loop.
type Event struct {
	Kind   EventKind
	Client *Client
	Frame  wire.Frame
	Err    error
}

type clientOptions struct {
	codec         *wire.Codec
	sendQueueSize int
	writeTimeout  time.Duration
}

// Client is one connected peer. A read goroutine decodes frames into the
// shared event channel and a write goroutine drains the outbound queue.
type Client struct {
	id      string
	conn    net.Conn
	address models.Address
	opts    clientOptions

	events     chan<- Event
	serverDone <-chan struct{}
	outbound   chan wire.Frame

	stateMu  sync.RWMutex
	state    ClientState
	username string

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn net.Conn, events chan<- Event, serverDone <-chan struct{}, opts clientOptions) (*Client, error) {
	address, err := models.AddressOf(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}
	if opts.sendQueueSize <= 0 {
		opts.sendQueueSize = DefaultSendQueueSize
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = DefaultWriteTimeout
	}

	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		address:    address,
		opts:       opts,
		events:     events,
		serverDone: serverDone,
		outbound:   make(chan wire.Frame, opts.sendQueueSize),
		state:      StateUnauthenticated,
		closed:     make(chan struct{}),
	}, nil
}

func (c *Client) start() {
	go c.readLoop()
	go c.writeLoop()
}

// ID returns the connection handle id.
func (c *Client) ID() string {
	return c.id
}

// Address returns the remote address.
func (c *Client) Address() models.Address {
	return c.address
}

// Key returns the recipient key: the username once named, the remote
// address before.
func (c *Client) Key() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.username != "" {
		return c.username
	}
	return c.address.String()
}

// Username returns the accepted username, if any.
func (c *Client) Username() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.username
}

// State returns the authentication state.
func (c *Client) State() ClientState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(state ClientState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Client) setNamed(username string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.username = username
	c.state = StateNamed
}

// Send queues f for writing. It never blocks.
func (c *Client) Send(f wire.Frame) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	select {
	case c.outbound <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.closeWithError(nil)
	return nil
}

// readLoop blocks in ReadFrame; closing the connection unblocks it.
func (c *Client) readLoop() {
	for {
		frame, err := c.opts.codec.ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		select {
		case c.events <- Event{Kind: EventFrame, Client: c, Frame: frame}:
		case <-c.closed:
			return
		case <-c.serverDone:
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case f := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.closeWithError(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := c.opts.codec.WriteFrame(c.conn, f); err != nil {
				c.closeWithError(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		_ = c.conn.Close()
		close(c.closed)

		go func() {
			select {
			case c.events <- Event{Kind: EventDisconnected, Client: c, Err: err}:
			case <-c.serverDone:
			}
		}()
	})
}
