// Package provider is the client library a projection provider links
// against. A provider connects to the gate's socket, claims the
// virtualization root it serves, and answers enumeration and hydration
// requests until it disconnects:
//
//	client, err := provider.Connect(provider.Config{
//	    Socket:   "/tmp/projgate.sock",
//	    RootPath: "/var/lib/projgate/backing/repo",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Serve(myHandler)
package provider

import (
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/pkg/message"
)

// Handler materializes content for one virtualization root. A nil error
// reports success to the gate; any error reports failure, which the gate
// turns into a retryable deny for the blocked process. Handlers may be
// called concurrently.
type Handler interface {
	EnumerateDirectory(req message.Request) error
	HydrateFile(req message.Request) error
}

type Config struct {
	// Socket is the gate's provider socket path.
	Socket string
	// RootPath is the registered virtualization root this provider serves.
	RootPath string
	// Pid overrides the pid announced in the handshake; defaults to the
	// current process.
	Pid int
}

// Client is one attached provider session. Safe for concurrent use; the
// connection carries one session for one root.
type Client struct {
	conn      net.Conn
	rootIndex int16

	writeMu sync.Mutex
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Connect dials the gate and performs the attach handshake. The returned
// client is attached; the root is live until Close or disconnect.
func Connect(cfg Config) (*Client, error) {
	if cfg.Socket == "" {
		return nil, errx.With(ErrConfig, ": socket path required")
	}
	if cfg.RootPath == "" {
		return nil, errx.With(ErrConfig, ": root path required")
	}
	pid := cfg.Pid
	if pid == 0 {
		pid = os.Getpid()
	}

	conn, err := net.Dial("unix", cfg.Socket)
	if err != nil {
		return nil, errx.Wrap(ErrDial, err)
	}

	hs := message.Handshake{RootPath: cfg.RootPath, Pid: pid}
	if err := message.Write(conn, message.TypeHandshake, hs); err != nil {
		conn.Close()
		return nil, errx.Wrap(ErrHandshake, err)
	}

	msgType, payload, err := message.Read(conn)
	if err != nil {
		conn.Close()
		return nil, errx.Wrap(ErrHandshake, err)
	}
	if msgType != message.TypeHandshakeReply {
		conn.Close()
		return nil, errx.With(ErrHandshake, ": unexpected frame type %d", msgType)
	}
	var reply message.HandshakeReply
	if err := message.Decode(payload, &reply); err != nil {
		conn.Close()
		return nil, errx.Wrap(ErrHandshake, err)
	}
	if reply.Error != "" {
		conn.Close()
		return nil, errx.With(ErrAttachRejected, ": %s", reply.Error)
	}

	return &Client{conn: conn, rootIndex: reply.RootIndex}, nil
}

// RootIndex returns the index the gate assigned to the served root.
func (c *Client) RootIndex() int16 {
	return c.rootIndex
}

// Serve reads requests and dispatches them to h until the connection
// drops or Close is called. Each request runs on its own goroutine so a
// slow hydration never stalls enumeration of another directory; every
// request gets exactly one response.
func (c *Client) Serve(h Handler) error {
	defer c.wg.Wait()

	for {
		msgType, payload, err := message.Read(c.conn)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			return errx.Wrap(ErrReadRequest, err)
		}
		if msgType != message.TypeRequest {
			continue
		}

		var req message.Request
		if err := message.Decode(payload, &req); err != nil {
			return errx.Wrap(ErrReadRequest, err)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.respond(req.ID, c.dispatch(h, req))
		}()
	}
}

func (c *Client) dispatch(h Handler, req message.Request) error {
	switch req.Kind {
	case message.KindEnumerateDirectory:
		return h.EnumerateDirectory(req)
	case message.KindHydrateFile:
		return h.HydrateFile(req)
	default:
		return errx.With(ErrUnknownRequest, ": kind %d", req.Kind)
	}
}

func (c *Client) respond(id uint64, handlerErr error) {
	status := message.StatusSuccess
	if handlerErr != nil {
		status = message.StatusFail
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = message.Write(c.conn, message.TypeResponse, message.Response{ID: id, Status: status})
}

// Close drops the connection; the gate detaches the session and the root
// goes offline.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
