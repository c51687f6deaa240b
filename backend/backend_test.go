package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootEntriesSkipsFiles(t *testing.T) {
	root := NewMemRoot()
	require.NoError(t, root.FS().MkdirAll("/music", 0755))
	require.NoError(t, root.FS().MkdirAll("/docs/sub", 0755))
	require.NoError(t, afero.WriteFile(root.FS(), "/notes.txt", []byte("x"), 0644))

	dirs, err := root.Entries(context.Background())
	require.NoError(t, err)

	var names []string
	for _, d := range dirs {
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{"docs", "music"}, names)
	assert.Equal(t, "/docs", dirs[0].Path())
}

func TestRootDir(t *testing.T) {
	root := NewMemRoot()

	d, err := root.Dir("", false)
	require.NoError(t, err)
	assert.Equal(t, "/", d.Path())

	_, err = root.Dir("projects/a", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	d, err = root.Dir("projects/a/", true)
	require.NoError(t, err)
	assert.Equal(t, "/projects/a", d.Path())
	assert.Equal(t, "a", d.Name())

	ok, err := afero.DirExists(root.FS(), "/projects/a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, afero.WriteFile(root.FS(), "/file", nil, 0644))
	_, err = root.Dir("/file", true)
	require.Error(t, err)
}

func TestOSRootHostPath(t *testing.T) {
	dir := t.TempDir()
	root, err := NewOSRoot(dir)
	require.NoError(t, err)

	f := NewOPFS(root)
	d, err := root.Dir("data", true)
	require.NoError(t, err)

	h, err := f.CreateDirBackend(context.Background(), d)
	require.NoError(t, err)

	host, ok := h.HostPath()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "data"), host)

	require.NoError(t, afero.WriteFile(h.FS(), "/hello.txt", []byte("hi"), 0644))
	data, err := os.ReadFile(filepath.Join(dir, "data", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestHandleSync(t *testing.T) {
	root, err := NewOSRoot(t.TempDir())
	require.NoError(t, err)
	d, err := root.Dir("data", true)
	require.NoError(t, err)
	h, err := NewOPFS(root).CreateDirBackend(context.Background(), d)
	require.NoError(t, err)

	require.NoError(t, h.FS().MkdirAll("/a/b", 0755))
	require.NoError(t, afero.WriteFile(h.FS(), "/a/b/c.txt", []byte("c"), 0644))
	require.NoError(t, afero.WriteFile(h.FS(), "/top.txt", []byte("t"), 0644))
	assert.NoError(t, h.Sync(context.Background()))

	mem, err := NewOPFS(NewMemRoot()).CreateBackend(context.Background())
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(mem.FS(), "/x", []byte("x"), 0644))
	assert.NoError(t, mem.Sync(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.Sync(ctx), context.Canceled)
}

func TestMemRootHasNoHostPath(t *testing.T) {
	h, err := NewOPFS(NewMemRoot()).CreateBackend(context.Background())
	require.NoError(t, err)

	_, ok := h.HostPath()
	assert.False(t, ok)
	assert.Equal(t, "/", h.StoragePath())
	assert.Equal(t, "opfs", h.Kind())
}

func TestOPFSSpawnsWorkerOnce(t *testing.T) {
	var spawns atomic.Int32
	release := make(chan struct{})
	f := NewOPFS(NewMemRoot(), WithSpawn(func(ctx context.Context) error {
		spawns.Add(1)
		<-release
		return nil
	}))

	first := Start(context.Background(), f)
	second := Start(context.Background(), f)

	select {
	case <-first.Done():
		t.Fatal("creation finished before the worker was ready")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	h1, err := first.Wait()
	require.NoError(t, err)
	h2, err := second.Wait()
	require.NoError(t, err)

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, int32(1), spawns.Load())
}

func TestOPFSSpawnFailure(t *testing.T) {
	f := NewOPFS(NewMemRoot(), WithSpawn(func(ctx context.Context) error {
		return errors.New("no worker")
	}))

	h, err := Start(context.Background(), f).Wait()
	assert.Nil(t, h)
	assert.ErrorContains(t, err, "no worker")
}

func TestOPFSRejectsForeignDir(t *testing.T) {
	other := NewMemRoot()
	d, err := other.Dir("x", true)
	require.NoError(t, err)

	_, err = NewOPFS(NewMemRoot()).CreateDirBackend(context.Background(), d)
	assert.Error(t, err)
}

func TestStartNilHandle(t *testing.T) {
	task := Start(context.Background(), FactoryFunc(func(context.Context) (*Handle, error) {
		return nil, nil
	}))

	h, err := task.Wait()
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrNullBackend)
}

func TestStartDropsHandleOnError(t *testing.T) {
	task := Start(context.Background(), FactoryFunc(func(context.Context) (*Handle, error) {
		return NewHandle("mem", afero.NewMemMapFs(), "/", ""), errors.New("boom")
	}))

	h, err := task.Wait()
	assert.Nil(t, h)
	assert.EqualError(t, err, "boom")
}

func TestStartRecoversPanic(t *testing.T) {
	task := Start(context.Background(), FactoryFunc(func(context.Context) (*Handle, error) {
		panic("worker crashed")
	}))

	h, err := task.Wait()
	assert.Nil(t, h)
	assert.ErrorContains(t, err, "worker crashed")
}

func TestStartIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	task := Start(ctx, FactoryFunc(func(ctx context.Context) (*Handle, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return NewHandle("mem", afero.NewMemMapFs(), "/", ""), nil
	}))

	cancel()
	close(release)

	h, err := task.Wait()
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Greater(t, task.Elapsed(), time.Duration(0))
}

func TestCapabilityRoundTrip(t *testing.T) {
	f := NewOPFS(NewMemRoot())

	h, err := FromCapability(AsCapability(f)).CreateBackend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opfs", h.Kind())

	wrong := FromCapability(func(context.Context, map[string]any) (any, error) {
		return "not a handle", nil
	})
	_, err = wrong.CreateBackend(context.Background())
	assert.ErrorContains(t, err, "want *backend.Handle")

	null := FromCapability(func(context.Context, map[string]any) (any, error) {
		return nil, nil
	})
	_, err = Start(context.Background(), null).Wait()
	assert.ErrorIs(t, err, ErrNullBackend)
}
