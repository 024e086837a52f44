// Package sse carries named server-sent events from in-process publishers to
// gin responses.
package sse

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

var (
	ErrClosed     = errors.New("sse: connection closed")
	ErrBufferFull = errors.New("sse: send buffer full")
)

const defaultBuffer = 256

// Handle is one attached subscriber. Send must never block.
type Handle interface {
	ID() string
	Send(event string, data []byte) error
	Close()
}

type frame struct {
	event string
	data  []byte
}

// Conn is a Handle backed by a bounded queue that Serve drains into an HTTP
// response.
type Conn struct {
	id     string
	frames chan frame
	done   chan struct{}
	once   sync.Once
}

func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Conn{
		id:     id,
		frames: make(chan frame, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues one event. A full queue drops the event rather than stalling
// the publisher.
func (c *Conn) Send(event string, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.frames <- frame{event: event, data: data}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close ends Serve after the queued events are written. It is idempotent.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed by Close.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Serve streams queued events to the client until the client disconnects or
// Close is called, and returns the reason.
func (c *Conn) Serve(ctx *gin.Context) string {
	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")
	ctx.Header("X-Accel-Buffering", "no")
	ctx.Status(http.StatusOK)
	ctx.Writer.Flush()

	reqCtx := ctx.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			return "client_gone"
		case f := <-c.frames:
			c.write(ctx, f)
		case <-c.done:
			for {
				select {
				case f := <-c.frames:
					c.write(ctx, f)
				default:
					return "closed"
				}
			}
		}
	}
}

func (c *Conn) write(ctx *gin.Context, f frame) {
	ctx.SSEvent(f.event, string(f.data))
	ctx.Writer.Flush()
}
