package wasmhost

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"

	"github.com/caffeineduck/wasmfs/backend"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/lifecycle"
	"github.com/caffeineduck/wasmfs/mount"
	"github.com/caffeineduck/wasmfs/readiness"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func module(sections ...[]byte) []byte {
	out := append([]byte(nil), wasmHeader...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

var (
	typeVoid    = []byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00}
	funcOne     = []byte{0x03, 0x02, 0x01, 0x00}
	exportStart = []byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00}

	// (func (export "_start"))
	emptyGuest = module(typeVoid, funcOne, exportStart,
		[]byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b})

	// (func (export "_start") (loop (br 0)))
	spinGuest = module(typeVoid, funcOne, exportStart,
		[]byte{0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b})

	// (import "wasmfs" "early_init" (func (result i32)))
	// (func (export "_start") (drop (call 0)))
	earlyInitGuest = module(
		[]byte{0x01, 0x08, 0x02, 0x60, 0x00, 0x00, 0x60, 0x00, 0x01, 0x7f},
		[]byte{0x02, 0x15, 0x01,
			0x06, 'w', 'a', 's', 'm', 'f', 's',
			0x0a, 'e', 'a', 'r', 'l', 'y', '_', 'i', 'n', 'i', 't',
			0x00, 0x01},
		funcOne,
		[]byte{0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01},
		[]byte{0x0a, 0x07, 0x01, 0x05, 0x00, 0x10, 0x00, 0x1a, 0x0b})
)

type testEnv struct {
	ch    *readiness.Channel
	reg   *hostfunc.Registry
	table *mount.Table
	disp  *lifecycle.Dispatcher
	host  *Host
}

func newTestEnv(t *testing.T, root *backend.Root, cfg lifecycle.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		ch:    readiness.New(),
		reg:   hostfunc.NewRegistry(),
		table: mount.New(),
	}
	hostfunc.NewFS(env.table).Register(env.reg)

	var opts []lifecycle.Option
	if root != nil {
		opts = append(opts, lifecycle.WithStorage(backend.NewOPFS(root)))
	}
	env.disp = lifecycle.New(env.ch, env.reg, env.table, cfg, opts...)

	host, err := New(env.disp)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	env.host = host
	return env
}

func TestNewRequiresDispatcher(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil dispatcher")
	}
}

func TestBootDeferred(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})

	if err := env.host.Boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	if got := env.disp.Phase(); got != lifecycle.PhaseFilesystemReady {
		t.Errorf("phase = %v, want FilesystemReady", got)
	}
	if !env.ch.Bool(readiness.KeyFilesystemReady) {
		t.Error("filesystemReady not published")
	}
	if !env.table.Sealed() {
		t.Error("preload export did not seal the mount table")
	}
	if !env.reg.Has(hostfunc.GetOrCreateDir) {
		t.Error("deferred mode should register the dir capability")
	}
}

func TestBootSynchronousMounts(t *testing.T) {
	env := newTestEnv(t, nil, lifecycle.Config{Mode: lifecycle.ModeSynchronous})
	opfs := backend.NewOPFS(backend.NewMemRoot())
	env.reg.Register(hostfunc.CreateBackend, backend.AsCapability(opfs))

	if err := env.host.Boot(context.Background()); err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	if got := env.disp.Phase(); got != lifecycle.PhaseMounted {
		t.Errorf("phase = %v, want Mounted", got)
	}
	if path, _ := env.ch.String(readiness.KeyMountPath); path != "/home" {
		t.Errorf("mountPath = %q, want /home", path)
	}
}

func TestBootSynchronousWithoutCapability(t *testing.T) {
	env := newTestEnv(t, nil, lifecycle.Config{Mode: lifecycle.ModeSynchronous})

	err := env.host.Boot(context.Background())
	if err == nil {
		t.Fatal("expected boot to fail")
	}
	if !strings.HasPrefix(err.Error(), ExportBeforePreload+":") {
		t.Errorf("error %q should name the failing export", err)
	}
	if kind := lifecycle.KindOf(err); kind != lifecycle.KindCapabilityUnavailable {
		t.Errorf("kind = %v, want CapabilityUnavailable", kind)
	}
}

func TestCallReturnsErrno(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})
	ctx := context.Background()

	code, err := env.host.Call(ctx, ExportBeforePreload)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if code != experimentalsys.EINVAL {
		t.Errorf("errno = %v, want EINVAL", code)
	}
	if env.disp.Phase() != lifecycle.PhaseFailed {
		t.Errorf("phase = %v, want Failed", env.disp.Phase())
	}

	// The failure is terminal; later hooks report it again.
	code, _ = env.host.Call(ctx, ExportEarlyInit)
	if code != experimentalsys.EINVAL {
		t.Errorf("errno after failure = %v, want EINVAL", code)
	}
}

func TestCallIsIdempotent(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		code, err := env.host.Call(ctx, ExportEarlyInit)
		if err != nil || code != 0 {
			t.Fatalf("call %d = %v, %v", i, code, err)
		}
	}
}

func TestCallUnknownExport(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})
	if _, err := env.host.Call(context.Background(), "post_run"); err == nil {
		t.Fatal("expected error for unknown export")
	}
}

func TestClosedHost(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})
	if err := env.host.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := env.host.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, err := env.host.Call(context.Background(), ExportEarlyInit); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after close = %v, want ErrClosed", err)
	}
	if r := env.host.Run(context.Background(), emptyGuest, nil); !errors.Is(r.Error, ErrClosed) {
		t.Errorf("Run after close = %v, want ErrClosed", r.Error)
	}
}

func TestRunEmptyGuest(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})

	r := env.host.Run(context.Background(), emptyGuest, []string{"guest"})
	if r.Error != nil {
		t.Fatalf("run failed: %v", r.Error)
	}
	if r.ExitCode != 0 || r.Output != "" || r.Calls != 0 {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestRunGuestCallsHookImport(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})

	r := env.host.Run(context.Background(), earlyInitGuest, []string{"guest"})
	if r.Error != nil {
		t.Fatalf("run failed: %v", r.Error)
	}
	if env.disp.Phase() != lifecycle.PhaseEarlyInit {
		t.Errorf("phase = %v, want EarlyInit", env.disp.Phase())
	}
	if !env.ch.Bool(readiness.KeyEarlyInitCalled) {
		t.Error("earlyInitCalled not published")
	}
}

func TestRunInvalidModule(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})

	r := env.host.Run(context.Background(), []byte("not wasm"), nil)
	if r.Error == nil || !strings.Contains(r.Error.Error(), "compile guest") {
		t.Errorf("expected compile error, got %v", r.Error)
	}
}

func TestRunTimeout(t *testing.T) {
	env := newTestEnv(t, backend.NewMemRoot(), lifecycle.Config{})

	r := env.host.Run(context.Background(), spinGuest, nil, WithTimeout(100*time.Millisecond))
	if r.Error == nil || !strings.Contains(r.Error.Error(), "timeout") {
		t.Errorf("expected timeout, got %v", r.Error)
	}
}

func TestRunPreopensHostMounts(t *testing.T) {
	root, err := backend.NewOSRoot(t.TempDir())
	if err != nil {
		t.Fatalf("os root: %v", err)
	}
	env := newTestEnv(t, root, lifecycle.Config{})
	ctx := context.Background()

	for _, name := range Exports[:3] {
		if code, err := env.host.Call(ctx, name); err != nil || code != 0 {
			t.Fatalf("%s = %v, %v", name, code, err)
		}
	}
	if _, err := env.disp.MountDir(ctx, "/data", "", 0755); err != nil {
		t.Fatalf("mount /data: %v", err)
	}
	if code, _ := env.host.Call(ctx, ExportPreload); code != 0 {
		t.Fatalf("preload errno = %v", code)
	}

	r := env.host.Run(ctx, emptyGuest, nil)
	if r.Error != nil {
		t.Fatalf("run failed: %v", r.Error)
	}
	if len(r.Mounts) != 1 || r.Mounts[0] != "/data" {
		t.Errorf("mounts = %v, want [/data]", r.Mounts)
	}

	r = env.host.Run(ctx, emptyGuest, nil, WithoutMounts())
	if len(r.Mounts) != 0 {
		t.Errorf("WithoutMounts still mounted %v", r.Mounts)
	}
}

func TestDirMountsSkipsMemoryBackends(t *testing.T) {
	entries := []mount.Entry{
		{Path: "/mem", Mode: 0777, Backend: backend.NewHandle("opfs", afero.NewMemMapFs(), "/", "")},
		{Path: "/ro", Mode: 0555, Backend: backend.NewHandle("opfs", afero.NewMemMapFs(), "/ro", t.TempDir())},
		{Path: "/rw", Mode: 0755, Backend: backend.NewHandle("opfs", afero.NewMemMapFs(), "/rw", t.TempDir())},
	}

	_, mounted := dirMounts(entries)
	if len(mounted) != 2 || mounted[0] != "/ro" || mounted[1] != "/rw" {
		t.Errorf("mounted = %v, want [/ro /rw]", mounted)
	}
}
