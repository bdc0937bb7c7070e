package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chunkrelay/internal/logger"
)

// ConnectionOptions tunes a Connection's writer.
type ConnectionOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	BufferSize   int
}

// Connection wraps one websocket. All writes, pings included, go through a
// single writer goroutine.
type Connection struct {
	conn      *websocket.Conn
	userID    string
	opts      ConnectionOptions
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

// NewConnection starts the writer for an upgraded websocket owned by userID.
func NewConnection(conn *websocket.Conn, userID string, opts ConnectionOptions) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		userID:  userID,
		opts:    opts,
		writeCh: make(chan []byte, opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.writerWG.Add(1)
	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer c.writerWG.Done()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) fail(err error) {
	logger.Debug().Err(err).Str("user_id", c.userID).Msg("websocket write failed")
	c.cancel()
}

// WriteJSON queues v for the writer.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writerWG.Wait()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) UserID() string {
	return c.userID
}

// Done is closed once the connection stops accepting writes.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}
