// Package transport accepts provider connections on a unix socket,
// attaches each provider to its virtualization root, and shuttles framed
// request/response messages between the gate and the provider.
package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/pkg/message"
	"github.com/jingkaihe/projgate/pkg/roots"
)

// Responder receives provider responses; implemented by the gate.
type Responder interface {
	DeliverResponse(id uint64, status message.ResponseStatus)
}

// RootAttacher manages provider liveness on the root table.
type RootAttacher interface {
	AttachProvider(rootPath string, pid int) (roots.RootRef, string, error)
	DetachProvider(index int16, session string)
}

type providerConn struct {
	mu      sync.Mutex
	conn    net.Conn
	root    roots.RootRef
	session string
}

func (c *providerConn) send(req message.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return message.Write(c.conn, message.TypeRequest, req)
}

// Listener owns the provider-facing unix socket. It implements the
// gate's Sender: a send is a single framed write to the provider
// currently attached to the root, fire-and-forget.
type Listener struct {
	ln        net.Listener
	table     RootAttacher
	responder Responder
	log       *zap.Logger

	mu     sync.Mutex
	conns  map[int16]*providerConn
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Listen binds the provider socket, replacing a stale socket file left
// over from a previous run. Bind must be called before Serve.
func Listen(socketPath string, table RootAttacher, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}
	return &Listener{
		ln:    ln,
		table: table,
		log:   log,
		conns: make(map[int16]*providerConn),
	}, nil
}

// Bind attaches the responder that receives provider responses. The gate
// and the listener reference each other, so wiring happens after both
// are constructed.
func (l *Listener) Bind(r Responder) {
	l.responder = r
}

// Serve accepts provider connections until Close. Each connection is
// handled on its own goroutine.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			return errx.Wrap(ErrAccept, err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Send delivers one request to the provider attached to rootIndex.
func (l *Listener) Send(rootIndex int16, req message.Request) error {
	l.mu.Lock()
	pc := l.conns[rootIndex]
	l.mu.Unlock()

	if pc == nil {
		return errx.With(ErrNoProvider, ": root %d", rootIndex)
	}
	return pc.send(req)
}

// Close stops accepting, drops every provider connection, and waits for
// connection goroutines to finish.
func (l *Listener) Close() error {
	l.closed.Store(true)
	err := l.ln.Close()

	l.mu.Lock()
	for _, pc := range l.conns {
		pc.conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	pc, err := l.handshake(conn)
	if err != nil {
		l.log.Warn("provider handshake rejected", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.conns[pc.root.Index] = pc
	l.mu.Unlock()

	l.log.Info("provider attached",
		zap.Int16("root", pc.root.Index),
		zap.String("root_path", pc.root.Path),
		zap.Int("pid", pc.root.ProviderPid),
		zap.String("session", pc.session))

	l.readLoop(pc)

	l.mu.Lock()
	if l.conns[pc.root.Index] == pc {
		delete(l.conns, pc.root.Index)
	}
	l.mu.Unlock()
	l.table.DetachProvider(pc.root.Index, pc.session)

	l.log.Info("provider detached, root offline",
		zap.Int16("root", pc.root.Index),
		zap.String("session", pc.session))
}

func (l *Listener) handshake(conn net.Conn) (*providerConn, error) {
	msgType, payload, err := message.Read(conn)
	if err != nil {
		return nil, errx.Wrap(ErrHandshake, err)
	}
	if msgType != message.TypeHandshake {
		return nil, errx.With(ErrUnexpectedFrame, ": type %d during handshake", msgType)
	}

	var hs message.Handshake
	if err := message.Decode(payload, &hs); err != nil {
		return nil, errx.Wrap(ErrHandshake, err)
	}

	root, session, err := l.table.AttachProvider(hs.RootPath, hs.Pid)
	if err != nil {
		message.Write(conn, message.TypeHandshakeReply, message.HandshakeReply{Error: err.Error()})
		return nil, err
	}

	reply := message.HandshakeReply{RootIndex: root.Index}
	if err := message.Write(conn, message.TypeHandshakeReply, reply); err != nil {
		l.table.DetachProvider(root.Index, session)
		return nil, errx.Wrap(ErrHandshake, err)
	}

	return &providerConn{conn: conn, root: root, session: session}, nil
}

func (l *Listener) readLoop(pc *providerConn) {
	for {
		msgType, payload, err := message.Read(pc.conn)
		if err != nil {
			if !l.closed.Load() && !errors.Is(err, io.EOF) {
				l.log.Debug("provider read loop ended", zap.Error(err))
			}
			return
		}
		if msgType != message.TypeResponse {
			l.log.Debug("unexpected frame from provider dropped",
				zap.Uint8("type", msgType))
			continue
		}

		var resp message.Response
		if err := message.Decode(payload, &resp); err != nil {
			l.log.Warn("undecodable provider response dropped", zap.Error(err))
			continue
		}
		if l.responder != nil {
			l.responder.DeliverResponse(resp.ID, resp.Status)
		}
	}
}
