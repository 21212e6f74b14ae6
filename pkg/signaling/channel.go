package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matrix-org/meshcall/pkg/metrics"
	"github.com/matrix-org/meshcall/pkg/worker"
	"github.com/sirupsen/logrus"
)

var (
	ErrConnect        = errors.New("can't connect to the signaling server")
	ErrDisconnected   = errors.New("signaling channel is disconnected")
	ErrClosed         = errors.New("signaling channel is closed")
	ErrSendQueueFull  = errors.New("signaling send queue is full")
	ErrAlreadyStarted = errors.New("signaling channel is already connected")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Conn is a single established connection to the signaling server.
type Conn interface {
	// Blocks until an envelope arrives or the connection breaks.
	Read() (Envelope, error)
	// Writes are never issued concurrently.
	Write(Envelope) error
	Close() error
}

// Transport establishes connections to the signaling server.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type Handler func(Envelope)

// An envelope waiting for the writer, tagged with the connection it was accepted for.
type outgoing struct {
	generation uint64
	envelope   Envelope
}

// Channel is a persistent signaling connection that reconnects with a capped
// exponential backoff when the transport drops. While it is not connected,
// `Send` fails immediately instead of queuing.
type Channel struct {
	logger  *logrus.Entry
	backoff BackoffConfig

	mutex      sync.Mutex
	status     Status
	conn       Conn
	generation uint64
	onMessage  Handler
	onStatus   func(Status)
	cancel     context.CancelFunc

	writer *worker.Worker[outgoing]
	done   chan struct{}
}

func NewChannel(config Config, logger *logrus.Entry) *Channel {
	queueSize := config.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	channel := &Channel{
		logger:  logger,
		backoff: config.Backoff.withDefaults(),
		status:  StatusDisconnected,
		done:    make(chan struct{}),
	}

	channel.writer = worker.StartWorker(worker.Config[outgoing]{
		ChannelSize: queueSize,
		OnTask:      channel.write,
	})

	return channel
}

// Registers the handler for inbound envelopes. Must be called before `Connect`.
func (c *Channel) OnMessage(handler Handler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onMessage = handler
}

// Registers a callback for connection status changes. Must be called before `Connect`.
func (c *Channel) OnStatusChange(callback func(Status)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onStatus = callback
}

func (c *Channel) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.status
}

// Establishes the first connection. On success a background goroutine keeps
// reading from the connection and reconnects whenever it breaks.
func (c *Channel) Connect(ctx context.Context, transport Transport) error {
	c.mutex.Lock()
	if c.status == StatusClosed {
		c.mutex.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mutex.Unlock()
		return ErrAlreadyStarted
	}
	c.mutex.Unlock()

	c.setStatus(StatusConnecting, nil)

	conn, err := transport.Dial(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected, nil)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mutex.Lock()
	if c.status == StatusClosed {
		c.mutex.Unlock()
		cancel()
		conn.Close()
		return ErrClosed
	}
	c.cancel = cancel
	c.mutex.Unlock()

	if !c.setStatus(StatusConnected, conn) {
		cancel()
		conn.Close()
		return ErrClosed
	}
	go c.run(runCtx, transport, conn)

	return nil
}

// Queues an envelope for sending. Envelopes to the same recipient leave in the
// order they were queued.
func (c *Channel) Send(envelope Envelope) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch c.status {
	case StatusClosed:
		return ErrClosed
	case StatusConnected:
	default:
		return ErrDisconnected
	}

	if err := c.writer.Send(outgoing{c.generation, envelope}); err != nil {
		if errors.Is(err, worker.ErrWorkerTooBusy) {
			return ErrSendQueueFull
		}
		return ErrClosed
	}

	return nil
}

// Closes the channel for good. Safe to call multiple times.
func (c *Channel) Close() {
	c.mutex.Lock()
	if c.status == StatusClosed {
		c.mutex.Unlock()
		return
	}
	c.status = StatusClosed
	c.generation++
	conn, cancel, callback := c.conn, c.cancel, c.onStatus
	c.conn = nil
	c.mutex.Unlock()

	c.logger.WithField("status", StatusClosed).Info("signaling status changed")
	if callback != nil {
		callback(StatusClosed)
	}

	c.writer.Stop()

	if conn != nil {
		conn.Close()
	}

	if cancel != nil {
		cancel()
		<-c.done
	}
}

// Reads from the current connection and reconnects once it breaks.
func (c *Channel) run(ctx context.Context, transport Transport, conn Conn) {
	defer close(c.done)

	for {
		c.readUntilBroken(conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		c.setStatus(StatusDisconnected, nil)

		var err error
		conn, err = c.reconnect(ctx, transport)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Error("giving up reconnecting to the signaling server")
				c.setStatus(StatusClosed, nil)
				c.writer.Stop()
			}
			return
		}

		if !c.setStatus(StatusConnected, conn) {
			conn.Close()
			return
		}
	}
}

func (c *Channel) readUntilBroken(conn Conn) {
	for {
		envelope, err := conn.Read()
		if err != nil {
			if c.Status() != StatusClosed {
				c.logger.WithError(err).Warn("signaling connection lost")
			}
			return
		}

		c.mutex.Lock()
		handler := c.onMessage
		c.mutex.Unlock()

		if handler != nil {
			handler(envelope)
		}
	}
}

func (c *Channel) reconnect(ctx context.Context, transport Transport) (Conn, error) {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = c.backoff.InitialInterval
	exponential.MaxInterval = c.backoff.MaxInterval
	exponential.MaxElapsedTime = c.backoff.MaxElapsedTime

	var policy backoff.BackOff = exponential
	if c.backoff.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, c.backoff.MaxRetries)
	}

	var conn Conn
	dial := func() error {
		c.setStatus(StatusConnecting, nil)
		metrics.SignalingReconnects.Inc()

		var err error
		conn, err = transport.Dial(ctx)
		if err != nil {
			c.setStatus(StatusDisconnected, nil)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.WithError(err).WithField("retry_in", wait).Warn("failed to reconnect to the signaling server")
	}

	if err := backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}

	return conn, nil
}

// Updates the status and, when a new connection is installed, bumps the
// generation so that envelopes accepted for an older connection are dropped.
// Returns `false` if the channel has already been closed.
func (c *Channel) setStatus(status Status, conn Conn) bool {
	c.mutex.Lock()
	if c.status == StatusClosed {
		c.mutex.Unlock()
		return false
	}

	if status != StatusConnected || conn != nil {
		c.conn = conn
		c.generation++
	}

	changed := c.status != status
	c.status = status
	callback := c.onStatus
	c.mutex.Unlock()

	if changed {
		c.logger.WithField("status", status).Info("signaling status changed")
		if callback != nil {
			callback(status)
		}
	}

	return true
}

func (c *Channel) write(item outgoing) {
	c.mutex.Lock()
	conn := c.conn
	current := c.generation == item.generation && c.status == StatusConnected
	c.mutex.Unlock()

	if !current || conn == nil {
		c.logger.WithField("type", item.envelope.Type).Debug("dropping envelope queued for a previous connection")
		metrics.EnvelopesDropped.WithLabelValues("stale_connection").Inc()
		return
	}

	if err := conn.Write(item.envelope); err != nil {
		c.logger.WithError(err).Warn("failed to write envelope, closing connection")
		conn.Close()
		return
	}

	metrics.EnvelopesSent.WithLabelValues(string(item.envelope.Type)).Inc()
}
