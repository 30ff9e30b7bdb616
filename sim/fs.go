package sim

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FSConfig holds the filesystem's fault parameters.
type FSConfig struct {
	MinLatency  time.Duration `yaml:"min_latency" toml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency" toml:"max_latency"`
	TimeoutRate float64       `yaml:"timeout_rate" toml:"timeout_rate"` // mutating ops fail with ErrTimeout
}

// FileSystem is a node's isolated in-memory byte store.
//
// Locking: mu guards the path table; each inode's RWMutex makes a write
// exclusive for the duration of the call while reads share it.
type FileSystem struct {
	node  *Node
	sched *Scheduler
	cfg   FSConfig
	rng   *rand.Rand

	mu     sync.Mutex
	inodes map[string]*inode
}

type inode struct {
	path string

	mu         sync.RWMutex
	data       []byte
	synced     []byte
	everSynced bool
}

func (ino *inode) truncate() {
	ino.mu.Lock()
	ino.data = ino.data[:0]
	ino.mu.Unlock()
}

func newFileSystem(node *Node, sched *Scheduler, cfg FSConfig, rng *rand.Rand) *FileSystem {
	logrus.Tracef("fs: new at %s", node)
	return &FileSystem{
		node:   node,
		sched:  sched,
		cfg:    cfg,
		rng:    rng,
		inodes: make(map[string]*inode),
	}
}

// delay is the suspension point reserved for simulated I/O latency.
func (fs *FileSystem) delay(ctx *Context) {
	if fs.cfg.MaxLatency <= 0 && fs.cfg.MinLatency <= 0 {
		return
	}
	_ = ctx.Sleep(uniformDuration(fs.rng, fs.cfg.MinLatency, fs.cfg.MaxLatency))
}

// injectTimeout reports whether a mutating op should fail with ErrTimeout.
// The op must not have touched any state yet.
func (fs *FileSystem) injectTimeout(op, path string) bool {
	if !bernoulli(fs.rng, fs.cfg.TimeoutRate) {
		return false
	}
	fs.sched.recordFault("fs-timeout", fs.node.Name(), "", op+" "+path)
	return true
}

// Open opens an existing file read-only.
func (fs *FileSystem) Open(ctx *Context, path string) (*File, error) {
	logrus.Debugf("fs(%s): open at %q", fs.node, path)
	fs.delay(ctx)
	fs.mu.Lock()
	ino, ok := fs.inodes[path]
	fs.mu.Unlock()
	if !ok {
		return nil, opErr("open", path, ErrNotFound)
	}
	return &File{fs: fs, inode: ino, writable: false}, nil
}

// Create opens path for writing, creating it if needed and truncating it
// otherwise. The inode keeps its identity across truncation.
func (fs *FileSystem) Create(ctx *Context, path string) (*File, error) {
	logrus.Debugf("fs(%s): create at %q", fs.node, path)
	fs.delay(ctx)
	fs.mu.Lock()
	ino, ok := fs.inodes[path]
	if ok {
		ino.truncate()
	} else {
		ino = &inode{path: path}
		fs.inodes[path] = ino
	}
	fs.mu.Unlock()
	return &File{fs: fs, inode: ino, writable: true}, nil
}

// ReadFile returns a copy of the whole file at path.
func (fs *FileSystem) ReadFile(ctx *Context, path string) ([]byte, error) {
	f, err := fs.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	f.inode.mu.RLock()
	data := append([]byte(nil), f.inode.data...)
	f.inode.mu.RUnlock()
	return data, nil
}

// Remove unlinks path. Open files keep their inode.
func (fs *FileSystem) Remove(ctx *Context, path string) error {
	logrus.Debugf("fs(%s): remove %q", fs.node, path)
	fs.delay(ctx)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.inodes[path]; !ok {
		return opErr("remove", path, ErrNotFound)
	}
	delete(fs.inodes, path)
	return nil
}

// List returns every path in sorted order.
func (fs *FileSystem) List() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	paths := make([]string, 0, len(fs.inodes))
	for p := range fs.inodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns a copy of the current contents of path without a
// scheduling point. Meant for drivers and assertions outside tasks.
func (fs *FileSystem) Snapshot(path string) ([]byte, bool) {
	fs.mu.Lock()
	ino, ok := fs.inodes[path]
	fs.mu.Unlock()
	if !ok {
		return nil, false
	}
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return append([]byte(nil), ino.data...), true
}

// PowerFail simulates losing power: every file reverts to the contents of
// its last SyncAll, and files never synced disappear.
func (fs *FileSystem) PowerFail() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	lost := 0
	for path, ino := range fs.inodes {
		ino.mu.Lock()
		if !ino.everSynced {
			delete(fs.inodes, path)
			lost++
		} else {
			ino.data = append(ino.data[:0], ino.synced...)
		}
		ino.mu.Unlock()
	}
	fs.sched.recordFault("power-fail", fs.node.Name(), "", fmt.Sprintf("%d unsynced files lost", lost))
}

// File is an open handle to an inode. Handles to the same path share the
// inode and observe each other's writes.
type File struct {
	fs       *FileSystem
	inode    *inode
	writable bool
}

func (f *File) Path() string   { return f.inode.path }
func (f *File) Writable() bool { return f.writable }

// Len returns the current file length.
func (f *File) Len() int64 {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	return int64(len(f.inode.data))
}

// ReadAt reads into buf from offset. Reading past the end is a short read,
// never an error: the count is the number of bytes actually available.
func (f *File) ReadAt(ctx *Context, buf []byte, offset int64) (int, error) {
	logrus.Tracef("file(%q): read_at: offset=%d, len=%d", f.inode.path, offset, len(buf))
	if offset < 0 {
		return 0, opErr("read_at", f.inode.path, ErrInvalidOffset)
	}
	f.fs.delay(ctx)
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	if offset >= int64(len(f.inode.data)) {
		return 0, nil
	}
	return copy(buf, f.inode.data[offset:]), nil
}

// WriteAllAt writes buf at offset, overwriting existing bytes and
// extending the file with the remainder. Offsets past the end are
// rejected; use SetLen to zero-extend first.
func (f *File) WriteAllAt(ctx *Context, buf []byte, offset int64) error {
	logrus.Tracef("file(%q): write_all_at: offset=%d, len=%d", f.inode.path, offset, len(buf))
	if !f.writable {
		return opErr("write_all_at", f.inode.path, ErrPermissionDenied)
	}
	if offset < 0 {
		return opErr("write_all_at", f.inode.path, ErrInvalidOffset)
	}
	f.fs.delay(ctx)
	if f.fs.injectTimeout("write_all_at", f.inode.path) {
		return opErr("write_all_at", f.inode.path, ErrTimeout)
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	data := f.inode.data
	if offset > int64(len(data)) {
		return opErr("write_all_at", f.inode.path,
			fmt.Errorf("%w: offset %d past end of file (%d bytes)", ErrInvalidOffset, offset, len(data)))
	}
	n := copy(data[offset:], buf)
	f.inode.data = append(data, buf[n:]...)
	f.fs.sched.metrics.AddFSBytes(len(buf))
	return nil
}

// MaxFileSize caps the length a file may be resized to.
const MaxFileSize = 1 << 30

// SetLen truncates or zero-extends the file to exactly size bytes, at most
// MaxFileSize.
func (f *File) SetLen(ctx *Context, size int64) error {
	logrus.Tracef("file(%q): set_len=%d", f.inode.path, size)
	if !f.writable {
		return opErr("set_len", f.inode.path, ErrPermissionDenied)
	}
	if size < 0 || size > MaxFileSize {
		return opErr("set_len", f.inode.path,
			fmt.Errorf("%w: size %d outside [0, %d]", ErrInvalidOffset, size, int64(MaxFileSize)))
	}
	f.fs.delay(ctx)
	if f.fs.injectTimeout("set_len", f.inode.path) {
		return opErr("set_len", f.inode.path, ErrTimeout)
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	data := f.inode.data
	if size <= int64(len(data)) {
		f.inode.data = data[:size]
		return nil
	}
	f.inode.data = append(data, make([]byte, size-int64(len(data)))...)
	return nil
}

// SyncAll makes the current contents survive a later PowerFail.
func (f *File) SyncAll(ctx *Context) error {
	logrus.Tracef("file(%q): sync_all", f.inode.path)
	f.fs.delay(ctx)
	if f.fs.injectTimeout("sync_all", f.inode.path) {
		return opErr("sync_all", f.inode.path, ErrTimeout)
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()
	f.inode.synced = append(f.inode.synced[:0], f.inode.data...)
	f.inode.everSynced = true
	return nil
}

// Open opens path read-only on the calling task's node.
func Open(ctx *Context, path string) (*File, error) {
	return ctx.FS().Open(ctx, path)
}

// Create creates or truncates path on the calling task's node.
func Create(ctx *Context, path string) (*File, error) {
	return ctx.FS().Create(ctx, path)
}

// ReadFile reads the whole file at path on the calling task's node.
func ReadFile(ctx *Context, path string) ([]byte, error) {
	return ctx.FS().ReadFile(ctx, path)
}
