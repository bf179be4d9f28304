/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Protocol close codes. Auth failures never reach a close code; they are
// rejected at the HTTP layer before the upgrade completes.
const (
	CloseReplaced    websocket.StatusCode = 4000
	CloseNotFound    websocket.StatusCode = 4004
	CloseIdleTimeout websocket.StatusCode = 4008
	CloseSessionFull websocket.StatusCode = 4009
)

const (
	// ReadLimit caps inbound frame size. Anything a client legitimately
	// sends is a few KB; the ceiling only guards against abuse.
	ReadLimit = 512 * 1024

	// PingInterval and PingTimeout drive the transport's liveness probe.
	PingInterval = 15 * time.Second
	PingTimeout  = 5 * time.Second

	outboundQueueSize = 32
	writeTimeout      = 10 * time.Second
)

// transport is the slice of *websocket.Conn the hub touches, narrowed so
// tests can attach in-memory members.
type transport interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn owns the write side of one member's socket: a bounded outbound queue
// drained by a single writer goroutine. Reads stay with the HTTP handler
// that accepted the upgrade.
type Conn struct {
	userID string
	ws     transport
	logger zerolog.Logger

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewConn wraps an accepted socket and starts its writer.
func NewConn(ws transport, userID string, logger zerolog.Logger) *Conn {
	c := &Conn{
		userID: userID,
		ws:     ws,
		logger: logger.With().Str("component", "ws").Str("user_id", userID).Logger(),
		sendCh: make(chan []byte, outboundQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Enqueue hands a frame to the writer without blocking. A full queue means
// the member cannot keep up; the connection is dropped rather than stalling
// the rest of the session.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Msg("outbound queue full, dropping slow consumer")
		go c.Close(websocket.StatusPolicyViolation, "slow-consumer")
		return false
	}
}

// Ping probes the peer and blocks until the pong arrives or ctx expires.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close tears the socket down exactly once. Safe from any goroutine.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		if err := c.ws.Close(code, reason); err != nil {
			c.logger.Debug().Err(err).Msg("websocket close")
		}
	})
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
