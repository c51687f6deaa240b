package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/wasmfs/backend"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/lifecycle"
	"github.com/caffeineduck/wasmfs/mount"
	"github.com/caffeineduck/wasmfs/readiness"
)

type harness struct {
	ch    *readiness.Channel
	reg   *hostfunc.Registry
	table *mount.Table
	root  *backend.Root
	d     *lifecycle.Dispatcher
	c     *Coordinator
}

func newHarness(t *testing.T, cfg lifecycle.Config, withStorage bool) *harness {
	t.Helper()
	h := &harness{
		ch:    readiness.New(),
		reg:   hostfunc.NewRegistry(),
		table: mount.New(),
		root:  backend.NewMemRoot(),
	}
	for _, dir := range []string{"/home", "/music", "/tmp"} {
		require.NoError(t, h.root.FS().MkdirAll(dir, 0755))
	}
	require.NoError(t, afero.WriteFile(h.root.FS(), "/readme.txt", []byte("x"), 0644))

	var opts []lifecycle.Option
	if withStorage {
		opts = append(opts, lifecycle.WithStorage(backend.NewOPFS(h.root)))
	}
	h.d = lifecycle.New(h.ch, h.reg, h.table, cfg, opts...)
	hostfunc.NewFS(h.table).Register(h.reg)
	h.c = New(h.ch, h.reg, h.root, WithDependencies(h.d.Dependencies()))
	return h
}

func (h *harness) boot(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.d.EarlyInit(ctx))
	require.NoError(t, h.d.LateInit(ctx))
	return h.d.BeforePreload(ctx)
}

func TestRunMountsTopLevelDirectories(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	ctx := context.Background()

	results := h.c.Go(ctx)
	assert.Equal(t, []string{Dependency}, h.d.Dependencies().Pending())

	require.NoError(t, h.boot(t))
	require.NoError(t, h.d.Preload(ctx))

	res := <-results
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"/home", "/music"}, res.Mounted)
	assert.Empty(t, h.d.Dependencies().Pending())
	assert.True(t, h.table.Sealed())

	flags := h.ch.Snapshot()
	assert.True(t, flags.BackendMounted)
	assert.Equal(t, "/home", flags.MountPath)
	assert.Equal(t, []string{"/home", "/music"}, flags.MountedPaths)

	_, rel, ok := h.table.Resolve("/music/song.mp3")
	require.True(t, ok)
	assert.Equal(t, "/song.mp3", rel)
	assert.False(t, h.table.Exists("/home/home"))

	info, err := h.table.Stat("/tmp")
	require.NoError(t, err)
	assert.False(t, info.Mounted)
}

func TestRunWaitsForReadiness(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.c.Run(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Run returned before the filesystem was ready")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Empty(t, h.table.Mounts())

	require.NoError(t, h.boot(t))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not finish")
	}
	assert.Len(t, h.table.Mounts(), 2)
}

func TestRunHandshakeFailed(t *testing.T) {
	h := newHarness(t, lifecycle.Config{Mode: lifecycle.ModeSynchronous}, true)

	results := h.c.Go(context.Background())
	require.Error(t, h.boot(t))

	res := <-results
	assert.ErrorIs(t, res.Err, ErrHandshakeFailed)
	assert.Empty(t, h.d.Dependencies().Pending())
}

func TestRunCapabilityUnavailable(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, false)

	results := h.c.Go(context.Background())
	require.NoError(t, h.boot(t))

	res := <-results
	assert.ErrorIs(t, res.Err, ErrCapabilityUnavailable)
	assert.False(t, h.ch.Snapshot().BackendMounted)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.d.Dependencies().Pending())
}

func TestGoTwiceHoldsOneDependency(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.c.Go(ctx)
	res := <-h.c.Go(ctx)
	assert.ErrorIs(t, res.Err, lifecycle.ErrDuplicateDependency)
}

func TestMountAt(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	require.NoError(t, h.boot(t))
	ctx := context.Background()

	paths, err := h.c.MountAt(ctx, "/projects", "work/projects")
	require.NoError(t, err)
	assert.Equal(t, []string{"/projects"}, paths)

	ok, err := afero.DirExists(h.root.FS(), "/work/projects")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, found := h.table.Resolve("/projects")
	require.True(t, found)
	assert.Equal(t, "/work/projects", got.StoragePath())

	// Mounting the same point again succeeds without mounting anything.
	paths, err = h.c.MountAt(ctx, "/projects", "work/projects")
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Len(t, h.table.Mounts(), 1)
}

func TestMountAtExistingPathKeepsHandshake(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	require.NoError(t, h.boot(t))
	ctx := context.Background()

	paths, err := h.c.MountAt(ctx, "/tmp", "scratch")
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Equal(t, lifecycle.PhaseFilesystemReady, h.d.Phase())
	assert.Empty(t, h.ch.Snapshot().Failure)
	ok, err := afero.DirExists(h.root.FS(), "/scratch")
	require.NoError(t, err)
	assert.False(t, ok)

	paths, err = h.c.MountAt(ctx, "/projects", "projects")
	require.NoError(t, err)
	assert.Equal(t, []string{"/projects"}, paths)
	assert.Equal(t, lifecycle.PhaseMounted, h.d.Phase())

	mounted, err := h.c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home", "/music"}, mounted)
	assert.Equal(t, []string{"/projects", "/home", "/music"}, h.d.MountedPaths())
}

func TestMountAtWithoutExistsCheck(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	h.reg.Unregister(hostfunc.FSExists)
	require.NoError(t, h.boot(t))
	ctx := context.Background()

	// The capability rejects the taken path and the handshake carries on.
	paths, err := h.c.MountAt(ctx, "/tmp", "scratch")
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Equal(t, lifecycle.PhaseFilesystemReady, h.d.Phase())

	paths, err = h.c.MountAt(ctx, "/music", "music")
	require.NoError(t, err)
	assert.Equal(t, []string{"/music"}, paths)
}

func TestMountAtDefaultsAndRoot(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	require.NoError(t, h.boot(t))
	ctx := context.Background()

	paths, err := h.c.MountAt(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultMountPoint}, paths)

	h2 := newHarness(t, lifecycle.Config{}, true)
	require.NoError(t, h2.boot(t))
	paths, err = h2.c.MountAt(ctx, "/", "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/home", "/music"}, paths)
}

func TestMountAtAfterPreload(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	require.NoError(t, h.boot(t))
	require.NoError(t, h.d.Preload(context.Background()))

	_, err := h.c.MountAt(context.Background(), "/late", "late")
	require.Error(t, err)
	assert.Equal(t, lifecycle.KindMountFailure, lifecycle.KindOf(err))
	assert.Equal(t, "EIO", mount.ErrnoName(lifecycle.Errno(err)))
}

func TestAnnounce(t *testing.T) {
	h := newHarness(t, lifecycle.Config{}, true)
	require.NoError(t, h.c.Announce(true))

	ctx := context.Background()
	require.NoError(t, h.d.EarlyInit(ctx))
	require.NoError(t, h.d.LateInit(ctx))
	assert.True(t, h.d.CapabilityAvailable())
}
