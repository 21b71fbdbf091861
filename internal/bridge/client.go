package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/srg/buttond/internal/events"
	"github.com/valyala/bytebufferpool"
)

// ErrStreamClosed is returned by Subscribe when the server ends the stream.
var ErrStreamClosed = errors.New("server closed the notification stream")

// Client talks to a Server over its Unix socket. Calls are serialized.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	mu   sync.Mutex
	next int64
}

// envelope is any server line: a response or a notification.
type envelope struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
	Event  events.Name     `json:"event"`
}

// Dial connects to the server socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	if path == "" {
		path = DefaultSocketPath()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, 4096)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and decodes its result into result (which may be nil).
// A failed request is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.watch(ctx)
	defer stop()

	id, err := c.send(method, params)
	if err != nil {
		return c.ctxErr(ctx, err)
	}

	for {
		env, _, err := c.readLine()
		if err != nil {
			return c.ctxErr(ctx, err)
		}
		if env.Event != "" || env.ID != id {
			continue
		}
		if env.Error != nil {
			return env.Error
		}
		if result == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("invalid %s result: %w", method, err)
		}
		return nil
	}
}

// Subscribe turns the connection into a notification stream and calls fn for every
// notification until ctx is done (nil is returned) or the stream fails.
func (c *Client) Subscribe(ctx context.Context, fn events.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.watch(ctx)
	defer stop()

	id, err := c.send(MethodSubscribe, nil)
	if err != nil {
		return c.ctxErr(ctx, err)
	}

	subscribed := false
	for {
		env, line, err := c.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return err
		}

		switch {
		case env.Event != "":
			if !subscribed {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("invalid notification: %w", err)
			}
			fn(ev)
		case env.ID == id && env.Error != nil:
			return env.Error
		case env.ID == id:
			subscribed = true
		}
	}
}

func (c *Client) send(method string, params any) (int64, error) {
	c.next++
	req := Request{ID: c.next, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("invalid %s params: %w", method, err)
		}
		req.Params = data
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(buf.B); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", method, err)
	}
	return req.ID, nil
}

func (c *Client) readLine() (envelope, []byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return envelope{}, nil, err
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return envelope{}, nil, fmt.Errorf("invalid server line: %w", err)
	}
	return env, line, nil
}

// watch unblocks pending I/O when ctx ends.
func (c *Client) watch(ctx context.Context) (stop func() bool) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if _, ok := ctx.Deadline(); ok {
			return context.DeadlineExceeded
		}
	}
	return err
}
