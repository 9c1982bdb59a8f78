package gate

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/projgate/pkg/flags"
	"github.com/jingkaihe/projgate/pkg/message"
	"github.com/jingkaihe/projgate/pkg/roots"
)

type fakeResolver struct {
	managed bool
	root    roots.RootRef
	found   bool
}

func (f *fakeResolver) IsManagedPath(string) bool             { return f.managed }
func (f *fakeResolver) FindRoot(string) (roots.RootRef, bool) { return f.root, f.found }

type fakeFlags struct {
	nodeType flags.NodeType
	fl       flags.NodeFlags
}

func (f *fakeFlags) ReadFlags(string) (flags.NodeFlags, error) { return f.fl, nil }
func (f *fakeFlags) NodeType(string) (flags.NodeType, error)   { return f.nodeType, nil }

type fakeSender struct {
	mu     sync.Mutex
	sent   []message.Request
	err    error
	onSend func(req message.Request)
}

func (f *fakeSender) Send(rootIndex int16, req message.Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	onSend := f.onSend
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if onSend != nil {
		onSend(req)
	}
	return nil
}

func (f *fakeSender) requests() []message.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Request(nil), f.sent...)
}

type fakeRegistrar struct {
	registered bool
	regErr     error
	unregErr   error
}

func (f *fakeRegistrar) Register() error {
	if f.regErr != nil {
		return f.regErr
	}
	f.registered = true
	return nil
}

func (f *fakeRegistrar) Unregister() error {
	f.registered = false
	return f.unregErr
}

func liveRoot() roots.RootRef {
	return roots.RootRef{Index: 0, Path: "/backing/root", ProviderPid: 900, HasProvider: true}
}

func offlineRoot() roots.RootRef {
	return roots.RootRef{Index: 0, Path: "/backing/root"}
}

func newTestGate(t *testing.T, resolver *fakeResolver, fl *fakeFlags, sender *fakeSender, procName string) *Gate {
	t.Helper()
	g, err := New(Options{
		Resolver:      resolver,
		Flags:         fl,
		Sender:        sender,
		WakeInterval:  10 * time.Millisecond,
		DrainInterval: 5 * time.Millisecond,
		ProcName:      func(int) string { return procName },
	})
	require.NoError(t, err)
	return g
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(Options{Resolver: &fakeResolver{}})
	require.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(Options{Resolver: &fakeResolver{}, Flags: &fakeFlags{}})
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestHandleEvent_UnmanagedPathDefers(t *testing.T) {
	sender := &fakeSender{}
	g := newTestGate(t, &fakeResolver{managed: false}, &fakeFlags{}, sender, "cat")

	d := g.HandleEvent(Event{Path: "/elsewhere/file", Access: AccessWriteData, Pid: 100})
	assert.Equal(t, VerdictDefer, d.Verdict)
	assert.Empty(t, sender.requests())
	assert.Zero(t, g.OutstandingRequests())
}

func TestHandleEvent_NodeOutsideRootDefers(t *testing.T) {
	// No in-root flag: the dominant case, deferred regardless of access
	// bits and without touching the registry.
	sender := &fakeSender{}
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular}
	g := newTestGate(t, resolver, fl, sender, "cat")

	for _, access := range []AccessBits{
		AccessReadData,
		AccessWriteData,
		AccessListDirectory | AccessSearch,
		AccessDelete | AccessWriteSecurity,
	} {
		d := g.HandleEvent(Event{Path: "/backing/root/file", Access: access, Pid: 100})
		assert.Equal(t, VerdictDefer, d.Verdict, "access %v", access)
	}
	assert.Empty(t, sender.requests())
	assert.Zero(t, g.OutstandingRequests())
}

func TestHandleEvent_ExoticNodeTypeDefers(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeOther, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	g := newTestGate(t, resolver, fl, &fakeSender{}, "cat")

	d := g.HandleEvent(Event{Path: "/backing/root/sock", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictDefer, d.Verdict)
}

func TestHandleEvent_CrawlerDeniedOnEmptyPlaceholder(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	g := newTestGate(t, resolver, fl, &fakeSender{}, "mds")

	for _, access := range []AccessBits{AccessQuery, AccessReadData, AccessReadAttributes} {
		d := g.HandleEvent(Event{Path: "/backing/root/file", Access: access, Pid: 100})
		assert.Equal(t, VerdictDeny, d.Verdict, "access %v", access)
		assert.Equal(t, syscall.EACCES, d.Errno)
	}
}

func TestHandleEvent_CrawlerAllowedOnHydratedNode(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot}
	g := newTestGate(t, resolver, fl, &fakeSender{}, "mds")

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictDefer, d.Verdict)
}

func TestHandleEvent_MissingRootDefers(t *testing.T) {
	// In-root flag set but no root registered: inconsistent state fails
	// open rather than blocking.
	resolver := &fakeResolver{managed: true, found: false}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot}
	g := newTestGate(t, resolver, fl, &fakeSender{}, "cat")

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessWriteData, Pid: 100})
	assert.Equal(t, VerdictDefer, d.Verdict)
}

func TestHandleEvent_OfflineRoot(t *testing.T) {
	tests := []struct {
		name     string
		nodeType flags.NodeType
		fl       flags.NodeFlags
		access   AccessBits
		verdict  Verdict
	}{
		{
			name:     "empty directory list defers",
			nodeType: flags.NodeTypeDirectory,
			fl:       flags.FlagInVirtualizationRoot | flags.FlagEmpty,
			access:   AccessListDirectory,
			verdict:  VerdictDefer,
		},
		{
			name:     "empty file write denied",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot | flags.FlagEmpty,
			access:   AccessWriteData,
			verdict:  VerdictDeny,
		},
		{
			name:     "empty file read denied",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot | flags.FlagEmpty,
			access:   AccessReadData,
			verdict:  VerdictDeny,
		},
		{
			name:     "empty file query defers",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot | flags.FlagEmpty,
			access:   AccessQuery,
			verdict:  VerdictDefer,
		},
		{
			name:     "empty file delete defers",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot | flags.FlagEmpty,
			access:   AccessDelete,
			verdict:  VerdictDefer,
		},
		{
			name:     "empty directory attribute read defers",
			nodeType: flags.NodeTypeDirectory,
			fl:       flags.FlagInVirtualizationRoot | flags.FlagEmpty,
			access:   AccessReadAttributes | AccessSearch,
			verdict:  VerdictDefer,
		},
		{
			name:     "hydrated file read defers",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot,
			access:   AccessReadData,
			verdict:  VerdictDefer,
		},
		{
			name:     "hydrated file write denied",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot,
			access:   AccessWriteData,
			verdict:  VerdictDeny,
		},
		{
			name:     "write probe with query bit defers",
			nodeType: flags.NodeTypeRegular,
			fl:       flags.FlagInVirtualizationRoot,
			access:   AccessQuery | AccessWriteData,
			verdict:  VerdictDefer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{managed: true, root: offlineRoot(), found: true}
			sender := &fakeSender{}
			g := newTestGate(t, resolver, &fakeFlags{nodeType: tt.nodeType, fl: tt.fl}, sender, "cat")

			d := g.HandleEvent(Event{Path: "/backing/root/node", Access: tt.access, Pid: 100})
			assert.Equal(t, tt.verdict, d.Verdict)
			assert.Empty(t, sender.requests(), "offline roots never open round trips")
		})
	}
}

func TestHandleEvent_ProviderOwnPidDefers(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "provider")

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 900})
	assert.Equal(t, VerdictDefer, d.Verdict)
	assert.Empty(t, sender.requests(), "provider must never block on its own I/O")
}

func TestRoundTrip_SuccessAllows(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "cat")
	sender.onSend = func(req message.Request) {
		go g.DeliverResponse(req.ID, message.StatusSuccess)
	}

	d := g.HandleEvent(Event{Path: "/backing/root/dir/file", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Zero(t, g.OutstandingRequests())

	reqs := sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, message.KindHydrateFile, reqs[0].Kind)
	assert.Equal(t, "dir/file", reqs[0].RelativePath)
	assert.Equal(t, 100, reqs[0].Pid)
	assert.Equal(t, "cat", reqs[0].ProcName)
}

func TestRoundTrip_DirectoryEnumeration(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeDirectory, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "ls")
	sender.onSend = func(req message.Request) {
		go g.DeliverResponse(req.ID, message.StatusSuccess)
	}

	d := g.HandleEvent(Event{Path: "/backing/root/subdir", Access: AccessListDirectory, Pid: 100})
	assert.Equal(t, VerdictAllow, d.Verdict)

	reqs := sender.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, message.KindEnumerateDirectory, reqs[0].Kind)
	assert.Equal(t, "subdir", reqs[0].RelativePath)
}

func TestRoundTrip_HydratedNodeSkipsProvider(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "cat")

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictDefer, d.Verdict)
	assert.Empty(t, sender.requests())
}

func TestRoundTrip_FailDeniesRetryable(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "cat")
	sender.onSend = func(req message.Request) {
		go g.DeliverResponse(req.ID, message.StatusFail)
	}

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, syscall.EAGAIN, d.Errno, "provider failure is retryable, not a hard deny")
	assert.Zero(t, g.OutstandingRequests())
}

func TestRoundTrip_SubmitFailureDefers(t *testing.T) {
	// Transport submission failure lets the operation through instead of
	// denying it. Deliberately preserved fail-open behavior.
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{err: errors.New("provider gone")}
	g := newTestGate(t, resolver, fl, sender, "cat")

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictDefer, d.Verdict)
	assert.Zero(t, g.OutstandingRequests(), "failed submission leaves no record behind")
}

func TestRoundTrip_MonotonicRequestIDs(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "cat")
	sender.onSend = func(req message.Request) {
		go g.DeliverResponse(req.ID, message.StatusSuccess)
	}

	g.HandleEvent(Event{Path: "/backing/root/a", Access: AccessReadData, Pid: 100})
	g.HandleEvent(Event{Path: "/backing/root/b", Access: AccessReadData, Pid: 100})

	reqs := sender.requests()
	require.Len(t, reqs, 2)
	assert.Greater(t, reqs[1].ID, reqs[0].ID)
}

func TestDeliverResponse_UnknownIDIsNoop(t *testing.T) {
	g := newTestGate(t, &fakeResolver{}, &fakeFlags{}, &fakeSender{}, "cat")

	g.DeliverResponse(12345, message.StatusSuccess)
	g.DeliverResponse(12345, message.StatusSuccess)
	assert.Zero(t, g.OutstandingRequests())
}

func TestDeliverResponse_ConcurrentUnrelatedRequests(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "cat")
	sender.onSend = func(req message.Request) {
		// Respond out of band; odd ids fail, even ids succeed.
		go func() {
			if req.ID%2 == 0 {
				g.DeliverResponse(req.ID, message.StatusSuccess)
			} else {
				g.DeliverResponse(req.ID, message.StatusFail)
			}
		}()
	}

	const n = 32
	results := make(chan Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
		}()
	}
	wg.Wait()
	close(results)

	var allows, denies int
	for d := range results {
		switch d.Verdict {
		case VerdictAllow:
			allows++
		case VerdictDeny:
			denies++
			assert.Equal(t, syscall.EAGAIN, d.Errno)
		default:
			t.Fatalf("unexpected verdict %v", d.Verdict)
		}
	}
	assert.Equal(t, n, allows+denies)
	assert.NotZero(t, allows)
	assert.NotZero(t, denies)
	assert.Zero(t, g.OutstandingRequests())
	assert.Zero(t, g.ActiveEvents())
}

func TestStop_WakesBlockedRoundTrip(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{} // never responds
	g := newTestGate(t, resolver, fl, sender, "cat")

	done := make(chan Decision, 1)
	go func() {
		done <- g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
	}()

	require.Eventually(t, func() bool {
		return g.OutstandingRequests() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, g.Stop())

	select {
	case d := <-done:
		assert.Equal(t, VerdictDeny, d.Verdict)
	case <-time.After(time.Second):
		t.Fatal("blocked round trip not woken by shutdown")
	}
	assert.Zero(t, g.OutstandingRequests())
	assert.Zero(t, g.ActiveEvents())
}

func TestStop_PreventsNewRoundTrips(t *testing.T) {
	resolver := &fakeResolver{managed: true, root: liveRoot(), found: true}
	fl := &fakeFlags{nodeType: flags.NodeTypeRegular, fl: flags.FlagInVirtualizationRoot | flags.FlagEmpty}
	sender := &fakeSender{}
	g := newTestGate(t, resolver, fl, sender, "cat")

	require.NoError(t, g.Stop())

	d := g.HandleEvent(Event{Path: "/backing/root/file", Access: AccessReadData, Pid: 100})
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Empty(t, sender.requests(), "no request may be inserted after shutdown begins")
}

func TestStartStop_Registrar(t *testing.T) {
	reg := &fakeRegistrar{}
	g, err := New(Options{
		Resolver:      &fakeResolver{},
		Flags:         &fakeFlags{},
		Sender:        &fakeSender{},
		Registrar:     reg,
		DrainInterval: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, g.Start())
	assert.True(t, reg.registered)

	require.NoError(t, g.Stop())
	assert.False(t, reg.registered)
}

func TestStart_RegisterFailure(t *testing.T) {
	reg := &fakeRegistrar{regErr: errors.New("mount failed")}
	g, err := New(Options{
		Resolver:  &fakeResolver{},
		Flags:     &fakeFlags{},
		Sender:    &fakeSender{},
		Registrar: reg,
	})
	require.NoError(t, err)

	err = g.Start()
	require.ErrorIs(t, err, ErrRegisterCallback)
	assert.False(t, reg.registered)
}
