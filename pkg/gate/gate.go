// Package gate is the interception engine of the projected filesystem:
// it classifies every intercepted operation, produces an allow/deny/defer
// decision, and coordinates blocking round trips with user-space
// providers through a correlation registry.
package gate

import (
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/pkg/flags"
	"github.com/jingkaihe/projgate/pkg/message"
	"github.com/jingkaihe/projgate/pkg/roots"
)

// Resolver maps intercepted paths to virtualization roots.
type Resolver interface {
	IsManagedPath(path string) bool
	FindRoot(path string) (roots.RootRef, bool)
}

// Sender delivers a request to the provider attached to a root. It is
// fire-and-forget from the gate's perspective; the response arrives later
// through DeliverResponse.
type Sender interface {
	Send(rootIndex int16, req message.Request) error
}

// Registrar installs and removes the interception callback (in this
// implementation, the FUSE interposition mount).
type Registrar interface {
	Register() error
	Unregister() error
}

// Event describes one intercepted filesystem operation.
type Event struct {
	Path   string
	Access AccessBits
	Pid    int
}

type Options struct {
	Resolver  Resolver
	Flags     flags.Reader
	Sender    Sender
	Registrar Registrar
	Logger    *zap.Logger

	// Crawlers overrides DefaultCrawlers when non-nil.
	Crawlers []string
	// WakeInterval bounds how long a blocked round trip sleeps between
	// shutdown-flag rechecks. Not a timeout.
	WakeInterval time.Duration
	// DrainInterval is the polling period while Stop waits for in-flight
	// events to finish.
	DrainInterval time.Duration
	// ProcName overrides process-name resolution; defaults to procfs.
	ProcName ProcNameFunc
}

const (
	defaultWakeInterval  = 5 * time.Second
	defaultDrainInterval = 100 * time.Millisecond
)

// Gate is the decision gate. Safe for concurrent use from any number of
// goroutines; the only suspension point is the provider round trip.
type Gate struct {
	resolver  Resolver
	flags     flags.Reader
	sender    Sender
	registrar Registrar
	log       *zap.Logger
	procName  ProcNameFunc

	crawlers      map[string]struct{}
	wakeInterval  time.Duration
	drainInterval time.Duration

	nextRequestID atomic.Uint64
	activeEvents  atomic.Int64
	reg           *registry
}

func New(opts Options) (*Gate, error) {
	if opts.Resolver == nil {
		return nil, errx.With(ErrMissingDependency, ": resolver")
	}
	if opts.Flags == nil {
		return nil, errx.With(ErrMissingDependency, ": flag reader")
	}
	if opts.Sender == nil {
		return nil, errx.With(ErrMissingDependency, ": sender")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	crawlers := opts.Crawlers
	if crawlers == nil {
		crawlers = DefaultCrawlers
	}
	wake := opts.WakeInterval
	if wake <= 0 {
		wake = defaultWakeInterval
	}
	drain := opts.DrainInterval
	if drain <= 0 {
		drain = defaultDrainInterval
	}
	procName := opts.ProcName
	if procName == nil {
		procName = procNameFromProcfs
	}

	return &Gate{
		resolver:      opts.Resolver,
		flags:         opts.Flags,
		sender:        opts.Sender,
		registrar:     opts.Registrar,
		log:           log,
		procName:      procName,
		crawlers:      crawlerSet(crawlers),
		wakeInterval:  wake,
		drainInterval: drain,
		reg:           newRegistry(),
	}, nil
}

// Start installs the interception callback. The registry and counters are
// ready before registration so no early event can race construction; if
// registration fails nothing is left installed.
func (g *Gate) Start() error {
	if g.registrar == nil {
		return nil
	}
	if err := g.registrar.Register(); err != nil {
		return errx.Wrap(ErrRegisterCallback, err)
	}
	return nil
}

// Stop tears the engine down: unregister the callback so no new events
// begin, wake every blocked round trip, then wait for the active-event
// count to drain to zero. After Stop returns no goroutine is blocked in
// the gate and no request record remains registered.
func (g *Gate) Stop() error {
	var unregErr error
	if g.registrar != nil {
		if err := g.registrar.Unregister(); err != nil {
			unregErr = errx.Wrap(ErrUnregisterCallback, err)
		}
	}

	g.reg.beginShutdown()

	// Sleep at least once before the first check: an event that slipped
	// past unregistration may not have incremented the counter yet.
	for {
		time.Sleep(g.drainInterval)
		if g.activeEvents.Load() == 0 {
			break
		}
	}

	return unregErr
}

// ActiveEvents reports the number of HandleEvent invocations currently
// executing.
func (g *Gate) ActiveEvents() int64 {
	return g.activeEvents.Load()
}

// OutstandingRequests reports the number of registered in-flight round
// trips.
func (g *Gate) OutstandingRequests() int {
	return g.reg.size()
}

// DeliverResponse routes a provider response to the blocked caller
// waiting on the request id. Safe to call concurrently from any thread at
// any time, including during shutdown; unmatched ids are dropped.
func (g *Gate) DeliverResponse(id uint64, status message.ResponseStatus) {
	switch status {
	case message.StatusSuccess, message.StatusFail:
	default:
		g.log.Warn("response with unknown status dropped",
			zap.Uint64("request_id", id),
			zap.Uint8("status", uint8(status)))
		return
	}
	if !g.reg.deliver(id, status) {
		g.log.Debug("response for unknown request dropped",
			zap.Uint64("request_id", id))
	}
}

// HandleEvent classifies one intercepted operation and returns the
// verdict. Steps short-circuit in order; every exit path decrements the
// active-event counter so Stop can observe true concurrency.
func (g *Gate) HandleEvent(ev Event) Decision {
	g.activeEvents.Add(1)
	defer g.activeEvents.Add(-1)

	if !g.resolver.IsManagedPath(ev.Path) {
		return Defer
	}

	nodeType, err := g.flags.NodeType(ev.Path)
	if err != nil {
		// Node vanished between interception and classification.
		return Defer
	}
	switch nodeType {
	case flags.NodeTypeRegular, flags.NodeTypeDirectory, flags.NodeTypeSymlink:
	default:
		g.log.Info("ignoring node of unhandled type",
			zap.String("path", ev.Path),
			zap.Stringer("node_type", nodeType))
		return Defer
	}

	fl, err := g.flags.ReadFlags(ev.Path)
	if err != nil {
		g.log.Warn("unable to read node flags",
			zap.String("path", ev.Path),
			zap.Error(err))
		return Defer
	}
	if !fl.IsSet(flags.FlagInVirtualizationRoot) {
		// Dominant case for ordinary I/O: nothing of ours, exit cheaply.
		return Defer
	}

	procName := g.procName(ev.Pid)

	if fl.IsSet(flags.FlagEmpty) && g.isCrawler(procName) {
		// Crawlers must be denied, not deferred: a successful access
		// without hydration gets cached and the placeholder would appear
		// permanently contentless.
		return Deny(syscall.EACCES)
	}

	root, ok := g.resolver.FindRoot(ev.Path)
	if !ok {
		g.log.Error("no virtualization root found for node with set flag",
			zap.String("path", ev.Path))
		return Defer
	}

	isDir := nodeType == flags.NodeTypeDirectory

	if !root.HasProvider {
		return g.offlineDecision(ev, fl, isDir, procName)
	}

	// The provider's own filesystem activity must never block on itself.
	if ev.Pid == root.ProviderPid {
		return Defer
	}

	if !fl.IsSet(flags.FlagEmpty) {
		return Defer
	}

	if isDir {
		if ev.Access.Any(dirEnumerateMask) {
			return g.roundTrip(root, message.KindEnumerateDirectory, ev, procName)
		}
	} else {
		if ev.Access.Any(fileHydrateMask) {
			return g.roundTrip(root, message.KindHydrateFile, ev, procName)
		}
	}

	return Defer
}

// offlineDecision handles nodes whose root has no attached provider:
// read-only access to hydrated content, deletions of placeholders, and
// enough directory access for recursive delete to traverse.
func (g *Gate) offlineDecision(ev Event, fl flags.NodeFlags, isDir bool, procName string) Decision {
	kind := "file"
	if isDir {
		kind = "directory"
	}

	if ev.Access.None(AccessQuery) && ev.Access.Any(offlineWriteMask) {
		g.log.Warn("write denied on offline root",
			zap.Stringer("access", ev.Access),
			zap.Int("pid", ev.Pid),
			zap.String("proc", procName),
			zap.String("node", kind),
			zap.String("path", ev.Path))
		return Deny(syscall.EACCES)
	}

	if fl.IsSet(flags.FlagEmpty) {
		if ev.Access.Any(emptyOfflineMask) {
			return Defer
		}
		if isDir && ev.Access.Any(emptyOfflineDirMask) {
			return Defer
		}
		g.log.Warn("access denied on empty placeholder with offline provider",
			zap.Stringer("access", ev.Access),
			zap.Int("pid", ev.Pid),
			zap.String("proc", procName),
			zap.String("node", kind),
			zap.String("path", ev.Path))
		return Deny(syscall.EACCES)
	}

	return Defer
}

// roundTrip opens a blocking request/response exchange with the provider
// attached to root. The request record lives on this goroutine's stack
// for the duration of the wait and is always deregistered before return.
func (g *Gate) roundTrip(root roots.RootRef, kind message.RequestKind, ev Event, procName string) Decision {
	rel, err := relativePath(ev.Path, root.Path)
	if err != nil {
		g.log.Error("unable to resolve path relative to root",
			zap.String("path", ev.Path),
			zap.String("root", root.Path))
		return Deny(syscall.EACCES)
	}

	req := message.Request{
		ID:           g.nextRequestID.Add(1),
		Kind:         kind,
		RootIndex:    root.Index,
		Pid:          ev.Pid,
		ProcName:     procName,
		RelativePath: rel,
	}
	o := newOutstanding(req)

	if !g.reg.tryInsert(o) {
		// Shutdown began before we could register; fail the round trip.
		return Deny(syscall.EACCES)
	}

	if err := g.sender.Send(root.Index, req); err != nil {
		g.reg.remove(req.ID)
		// Submission failure lets the operation through rather than
		// denying it. TODO: revisit once unresponsive-provider handling
		// is settled; fail-open here is the historical behavior.
		g.log.Warn("provider request submission failed",
			zap.Uint64("request_id", req.ID),
			zap.Stringer("kind", kind),
			zap.Error(err))
		return Defer
	}

	status, shuttingDown := g.reg.wait(o, g.wakeInterval)
	g.reg.remove(req.ID)

	if shuttingDown {
		return Deny(syscall.EACCES)
	}
	if status == message.StatusSuccess {
		return Allow
	}
	// Retryable deny so the caller's own retry logic can react, distinct
	// from a hard permission failure.
	return Deny(syscall.EAGAIN)
}

func relativePath(path, rootPath string) (string, error) {
	if path == rootPath {
		return "", nil
	}
	rel, ok := strings.CutPrefix(path, rootPath+"/")
	if !ok {
		return "", ErrResolvePath
	}
	return rel, nil
}
