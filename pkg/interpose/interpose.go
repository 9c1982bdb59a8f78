// Package interpose mounts a FUSE passthrough filesystem over the
// backing directory and routes every intercepted operation through the
// decision gate before the backing filesystem sees it. Mounting is the
// registration of the interception callback; unmounting removes it.
package interpose

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/jingkaihe/projgate/internal/errx"
	"github.com/jingkaihe/projgate/pkg/gate"
)

// Interposer owns the FUSE mount. It implements gate.Registrar.
type Interposer struct {
	mountpoint string
	backing    string
	allowOther bool
	log        *zap.Logger

	gate   *gate.Gate
	server *fuse.Server
}

type Options struct {
	Mountpoint string
	BackingDir string
	// AllowOther exposes the mount to other users; required when
	// intercepted processes run under different uids.
	AllowOther bool
	Logger     *zap.Logger
}

func New(opts Options) *Interposer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Interposer{
		mountpoint: opts.Mountpoint,
		backing:    opts.BackingDir,
		allowOther: opts.AllowOther,
		log:        log,
	}
}

// Bind attaches the decision gate. Must be called before Register; the
// gate and the interposer reference each other, so wiring happens after
// both are constructed.
func (i *Interposer) Bind(g *gate.Gate) {
	i.gate = g
}

// Register mounts the interposition filesystem.
func (i *Interposer) Register() error {
	if i.gate == nil {
		return ErrNoGate
	}

	var st syscall.Stat_t
	if err := syscall.Stat(i.backing, &st); err != nil {
		return errx.Wrap(ErrStatBacking, err)
	}

	rootData := &fs.LoopbackRoot{
		Path: i.backing,
		Dev:  uint64(st.Dev),
	}
	rootData.NewNode = func(d *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
		return &gateNode{LoopbackNode: fs.LoopbackNode{RootData: d}, ips: i}
	}
	root := &gateNode{LoopbackNode: fs.LoopbackNode{RootData: rootData}, ips: i}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       "projgate",
			FsName:     i.backing,
			AllowOther: i.allowOther,
		},
	}

	server, err := fs.Mount(i.mountpoint, root, opts)
	if err != nil {
		return errx.Wrap(ErrMount, err)
	}
	i.server = server
	i.log.Info("interposition mounted",
		zap.String("mountpoint", i.mountpoint),
		zap.String("backing", i.backing))
	return nil
}

// Unregister unmounts; no new operations reach the gate afterwards.
func (i *Interposer) Unregister() error {
	if i.server == nil {
		return nil
	}
	if err := i.server.Unmount(); err != nil {
		return errx.Wrap(ErrUnmount, err)
	}
	i.server = nil
	return nil
}

// Wait blocks until the mount is taken down.
func (i *Interposer) Wait() {
	if i.server != nil {
		i.server.Wait()
	}
}
