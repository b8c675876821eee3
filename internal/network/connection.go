package network

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait       = 10 * time.Second
	registryTimeout = 5 * time.Second
	maxMessageSize  = 1 << 20
)

// connection is the process-local handle of one station socket.
type connection struct {
	identifier string
	listener   *listener
	ws         *websocket.Conn
	log        logrus.FieldLogger

	writeMu   sync.Mutex
	pongs     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(identifier string, l *listener, ws *websocket.Conn, log logrus.FieldLogger) *connection {
	c := &connection{
		identifier: identifier,
		listener:   l,
		ws:         ws,
		log:        log.WithFields(logrus.Fields{"identifier": identifier, "listener": l.config.ID}),
		pongs:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return c
}

func (c *connection) write(ctx context.Context, message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(message))
}

func (c *connection) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a close frame and releases the socket. Only the first call has any effect.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("Closing connection")
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
