package interpose

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/projgate/pkg/gate"
)

// gateNode is a loopback node that consults the decision gate before
// delegating to the backing filesystem. Deny maps to the decision's
// errno; defer and allow both proceed with the backing operation.
type gateNode struct {
	fs.LoopbackNode
	ips *Interposer
}

var _ = (fs.NodeLookuper)((*gateNode)(nil))
var _ = (fs.NodeGetattrer)((*gateNode)(nil))
var _ = (fs.NodeSetattrer)((*gateNode)(nil))
var _ = (fs.NodeOpener)((*gateNode)(nil))
var _ = (fs.NodeOpendirer)((*gateNode)(nil))
var _ = (fs.NodeAccesser)((*gateNode)(nil))
var _ = (fs.NodeGetxattrer)((*gateNode)(nil))
var _ = (fs.NodeSetxattrer)((*gateNode)(nil))
var _ = (fs.NodeListxattrer)((*gateNode)(nil))
var _ = (fs.NodeRemovexattrer)((*gateNode)(nil))
var _ = (fs.NodeUnlinker)((*gateNode)(nil))
var _ = (fs.NodeRmdirer)((*gateNode)(nil))
var _ = (fs.NodeRenamer)((*gateNode)(nil))
var _ = (fs.NodeReadlinker)((*gateNode)(nil))

func (n *gateNode) backingPath() string {
	return filepath.Join(n.RootData.Path, n.Path(n.Root()))
}

func callerPid(ctx context.Context) int {
	if caller, ok := fuse.FromContext(ctx); ok {
		return int(caller.Pid)
	}
	return 0
}

// check runs one event through the gate. A zero return means proceed.
func (n *gateNode) check(ctx context.Context, path string, access gate.AccessBits) syscall.Errno {
	d := n.ips.gate.HandleEvent(gate.Event{
		Path:   path,
		Access: access,
		Pid:    callerPid(ctx),
	})
	if d.Verdict == gate.VerdictDeny {
		if d.Errno != 0 {
			return d.Errno
		}
		return syscall.EACCES
	}
	return 0
}

func (n *gateNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	// Looking up a child searches the directory; an empty placeholder
	// directory must be enumerated before the child can exist.
	if errno := n.check(ctx, n.backingPath(), gate.AccessSearch); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Lookup(ctx, name, out)
}

func (n *gateNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessReadAttributes); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Getattr(ctx, f, out)
}

func (n *gateNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessWriteAttributes); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Setattr(ctx, f, in, out)
}

func (n *gateNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.check(ctx, n.backingPath(), accessForOpen(flags)); errno != 0 {
		return nil, 0, errno
	}
	return n.LoopbackNode.Open(ctx, flags)
}

func (n *gateNode) Opendir(ctx context.Context) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessListDirectory); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Opendir(ctx)
}

func (n *gateNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), n.accessForMask(mask)); errno != 0 {
		return errno
	}
	return fs.ToErrno(unix.Faccessat(unix.AT_FDCWD, n.backingPath(), mask, 0))
}

func (n *gateNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if errno := n.check(ctx, n.backingPath(), gate.AccessReadExtAttributes); errno != 0 {
		return 0, errno
	}
	sz, err := unix.Lgetxattr(n.backingPath(), attr, dest)
	return uint32(sz), fs.ToErrno(err)
}

func (n *gateNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessWriteExtAttributes); errno != 0 {
		return errno
	}
	return fs.ToErrno(unix.Lsetxattr(n.backingPath(), attr, data, int(flags)))
}

func (n *gateNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	if errno := n.check(ctx, n.backingPath(), gate.AccessReadExtAttributes); errno != 0 {
		return 0, errno
	}
	sz, err := unix.Llistxattr(n.backingPath(), dest)
	return uint32(sz), fs.ToErrno(err)
}

func (n *gateNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessWriteExtAttributes); errno != 0 {
		return errno
	}
	return fs.ToErrno(unix.Lremovexattr(n.backingPath(), attr))
}

func (n *gateNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessDeleteChild); errno != 0 {
		return errno
	}
	child := filepath.Join(n.backingPath(), name)
	if errno := n.check(ctx, child, gate.AccessDelete); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Unlink(ctx, name)
}

func (n *gateNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if errno := n.check(ctx, n.backingPath(), gate.AccessDeleteChild); errno != 0 {
		return errno
	}
	child := filepath.Join(n.backingPath(), name)
	if errno := n.check(ctx, child, gate.AccessDelete); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Rmdir(ctx, name)
}

func (n *gateNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	old := filepath.Join(n.backingPath(), name)
	if errno := n.check(ctx, old, gate.AccessDelete); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Rename(ctx, name, newParent, newName, flags)
}

func (n *gateNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if errno := n.check(ctx, n.backingPath(), gate.AccessReadData); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Readlink(ctx)
}

// accessForOpen maps open(2) flags to the access bits the gate consults.
func accessForOpen(flags uint32) gate.AccessBits {
	var a gate.AccessBits
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		a = gate.AccessWriteData
	case syscall.O_RDWR:
		a = gate.AccessReadData | gate.AccessWriteData
	default:
		a = gate.AccessReadData
	}
	if flags&syscall.O_APPEND != 0 {
		a |= gate.AccessAppendData
	}
	if flags&syscall.O_TRUNC != 0 {
		a |= gate.AccessWriteData
	}
	return a
}

// accessForMask maps access(2) probe masks. Probes carry the query bit so
// an offline root still answers pure existence checks.
func (n *gateNode) accessForMask(mask uint32) gate.AccessBits {
	a := gate.AccessQuery
	if mask&unix.R_OK != 0 {
		a |= gate.AccessReadData
	}
	if mask&unix.W_OK != 0 {
		a |= gate.AccessWriteData
	}
	if mask&unix.X_OK != 0 {
		if n.IsDir() {
			a |= gate.AccessSearch
		} else {
			a |= gate.AccessExecute
		}
	}
	return a
}
