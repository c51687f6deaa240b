package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/caffeineduck/wasmfs/backend"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/metrics"
	"github.com/caffeineduck/wasmfs/mount"
	"github.com/caffeineduck/wasmfs/readiness"
)

// Hook names, in the order the runtime fires them.
const (
	HookEarlyInit     = "early_init"
	HookLateInit      = "late_init"
	HookBeforePreload = "before_preload"
)

// DefaultMountPath is where synchronous mode mounts the backend.
const DefaultMountPath = "/home"

// Config selects the mode and its static parameters.
type Config struct {
	Mode Mode

	// MountPath and MountMode are used by synchronous mode.
	MountPath string
	MountMode fs.FileMode

	// FactoryCapability names the backend factory in the registry.
	FactoryCapability string

	// DirCapability is the name the deferred-mode mount capability is
	// registered under.
	DirCapability string
}

func (c *Config) applyDefaults() {
	if c.MountPath == "" {
		c.MountPath = DefaultMountPath
	}
	if c.FactoryCapability == "" {
		c.FactoryCapability = hostfunc.CreateBackend
	}
	if c.DirCapability == "" {
		c.DirCapability = hostfunc.GetOrCreateDir
	}
}

// DirSource creates backends for storage subdirectories. *backend.OPFS is one.
type DirSource interface {
	backend.DirFactory
	Root() *backend.Root
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStorage sets where deferred-mode mounts get their backends from.
// Without it the directory capability is not offered.
func WithStorage(src DirSource) Option {
	return func(d *Dispatcher) {
		d.storage = src
	}
}

func WithMetrics(m *metrics.Handshake) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

func WithDependencies(deps *Dependencies) Option {
	return func(d *Dispatcher) {
		d.deps = deps
	}
}

type registration struct {
	name  string
	run   func(ctx context.Context) error
	fired bool
}

// Dispatcher runs the startup handshake. Hooks must be fired in registration
// order; each fires at most once.
type Dispatcher struct {
	cfg      Config
	channel  *readiness.Channel
	core     *readiness.Writer
	registry *hostfunc.Registry
	table    *mount.Table
	storage  DirSource
	deps     *Dependencies
	metrics  *metrics.Handshake
	tracer   trace.Tracer

	mu                  sync.Mutex
	hooks               []*registration
	phase               Phase
	handle              *backend.Handle
	mountPath           string
	mountedPaths        []string
	failure             *Error
	capabilityAvailable bool
	preloaded           bool

	// held while a mount attempt is in flight
	mounting sync.Mutex
}

// New returns a dispatcher in PhaseUninitialized.
func New(ch *readiness.Channel, reg *hostfunc.Registry, table *mount.Table, cfg Config, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		channel:  ch,
		core:     ch.Core(),
		registry: reg,
		table:    table,
		deps:     NewDependencies(),
		tracer:   otel.Tracer("github.com/caffeineduck/wasmfs/lifecycle"),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.hooks = []*registration{
		{name: HookEarlyInit, run: d.earlyInit},
		{name: HookLateInit, run: d.lateInit},
		{name: HookBeforePreload, run: d.beforePreload},
	}
	return d
}

// Hooks returns the hook names in firing order.
func (d *Dispatcher) Hooks() []string {
	names := make([]string, len(d.hooks))
	for i, h := range d.hooks {
		names[i] = h.name
	}
	return names
}

func (d *Dispatcher) EarlyInit(ctx context.Context) error { return d.Fire(ctx, HookEarlyInit) }

func (d *Dispatcher) LateInit(ctx context.Context) error { return d.Fire(ctx, HookLateInit) }

func (d *Dispatcher) BeforePreload(ctx context.Context) error { return d.Fire(ctx, HookBeforePreload) }

// Fire runs the named hook. A hook that already fired is skipped and returns
// nil. Firing a hook before its predecessors fails the handshake. Once the
// handshake has failed, unfired hooks return the recorded failure.
func (d *Dispatcher) Fire(ctx context.Context, name string) error {
	ctx, span := d.tracer.Start(ctx, "wasmfs.hook."+name,
		trace.WithAttributes(attribute.String("hook", name), attribute.String("mode", d.cfg.Mode.String())))
	defer span.End()
	ctx = logger.WithFields(ctx, logger.KeyHook, name)

	reg, err := d.claim(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.RecordHook(name, hookResult(err))
		return err
	}
	if reg == nil {
		logger.DebugCtx(ctx, "hook already fired, skipping")
		d.metrics.RecordHook(name, metrics.ResultSkipped)
		return nil
	}

	logger.DebugCtx(ctx, "hook fired", logger.KeyPhase, d.Phase().String())
	if err := reg.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.RecordHook(name, metrics.ResultFailed)
		return err
	}
	d.metrics.RecordHook(name, metrics.ResultOK)
	return nil
}

// claim marks the hook fired. It returns nil, nil for a repeat invocation.
func (d *Dispatcher) claim(ctx context.Context, name string) (*registration, error) {
	d.mu.Lock()

	idx := -1
	for i, r := range d.hooks {
		if r.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return nil, newError(KindHookOrderViolation, name, "", errors.New("unknown hook"))
	}

	reg := d.hooks[idx]
	if reg.fired {
		d.mu.Unlock()
		return nil, nil
	}
	if d.failure != nil {
		failure := d.failure
		d.mu.Unlock()
		return nil, failure
	}

	for _, prev := range d.hooks[:idx] {
		if !prev.fired {
			d.mu.Unlock()
			err := fmt.Errorf("fired before %s", prev.name)
			logger.ErrorCtx(ctx, "hook fired out of order", logger.KeyDependency, prev.name)
			return nil, d.fail(ctx, KindHookOrderViolation, name, "", err)
		}
	}

	reg.fired = true
	d.mu.Unlock()
	return reg, nil
}

func hookResult(err error) string {
	if KindOf(err) == KindHookOrderViolation {
		return metrics.ResultOutOfOrder
	}
	return metrics.ResultFailed
}

func (d *Dispatcher) earlyInit(ctx context.Context) error {
	if err := d.transition(ctx, PhaseEarlyInit); err != nil {
		return err
	}
	d.publish(ctx, map[readiness.Key]any{readiness.KeyEarlyInitCalled: true})
	return nil
}

func (d *Dispatcher) lateInit(ctx context.Context) error {
	available := d.channel.Bool(readiness.KeyCapabilityAvailable)

	d.mu.Lock()
	d.capabilityAvailable = available
	d.mu.Unlock()

	logger.InfoCtx(ctx, "capability availability polled", logger.KeyAvailable, available)
	d.publish(ctx, map[readiness.Key]any{readiness.KeyLateInitCalled: true})
	return nil
}

func (d *Dispatcher) beforePreload(ctx context.Context) error {
	ctx = logger.WithFields(ctx, logger.KeyMode, d.cfg.Mode.String())

	if d.cfg.Mode == ModeSynchronous {
		return d.mountSynchronous(ctx)
	}

	if err := d.transition(ctx, PhaseFilesystemReady); err != nil {
		return err
	}
	if d.storage != nil {
		d.registry.Register(d.cfg.DirCapability, d.getOrCreateDir)
		logger.DebugCtx(ctx, "directory capability registered", logger.KeyCapability, d.cfg.DirCapability)
	} else {
		logger.WarnCtx(ctx, "no storage configured, directory capability not offered")
	}
	d.publish(ctx, map[readiness.Key]any{
		readiness.KeyFilesystemReady: true,
		readiness.KeyBackendMounted:  false,
	})
	logger.InfoCtx(ctx, "filesystem ready, mount deferred")
	return nil
}

func (d *Dispatcher) mountSynchronous(ctx context.Context) error {
	hook := HookBeforePreload
	ctx = logger.WithFields(ctx, logger.KeyPath, d.cfg.MountPath)

	fn, ok := d.registry.Get(d.cfg.FactoryCapability)
	if !ok {
		logger.ErrorCtx(ctx, "backend factory unavailable", logger.KeyCapability, d.cfg.FactoryCapability)
		return d.fail(ctx, KindCapabilityUnavailable, hook, "", unavailable(d.cfg.FactoryCapability))
	}

	if !d.mounting.TryLock() {
		return newError(KindReentrantHookInvocation, hook, d.cfg.MountPath, errors.New("mount already in flight"))
	}
	defer d.mounting.Unlock()

	if err := d.transition(ctx, PhaseFilesystemReady); err != nil {
		return err
	}
	d.publish(ctx, map[readiness.Key]any{
		readiness.KeyFilesystemReady: true,
		readiness.KeyBackendMounted:  false,
	})

	if err := d.transition(ctx, PhaseBackendCreating); err != nil {
		return err
	}
	h, err := d.createBackend(ctx, backend.FromCapability(fn))
	if err != nil {
		return d.fail(ctx, KindBackendCreationFailure, hook, "", err)
	}
	if err := d.adopt(ctx, h); err != nil {
		return err
	}

	return d.bind(ctx, hook, h, d.cfg.MountPath, d.cfg.MountMode)
}

// createBackend runs the factory and suspends until it returns.
func (d *Dispatcher) createBackend(ctx context.Context, f backend.Factory) (*backend.Handle, error) {
	task := backend.Start(ctx, f)
	h, err := task.Wait()
	d.metrics.ObserveBackendCreate(task.Elapsed())
	if err != nil {
		logger.ErrorCtx(ctx, "backend creation failed", logger.KeyError, err,
			logger.KeyDuration, task.Elapsed().Milliseconds())
		return nil, err
	}
	logger.InfoCtx(ctx, "backend created", logger.KeyBackend, h.String(),
		logger.KeyDuration, task.Elapsed().Milliseconds())
	return h, nil
}

// adopt records h as the dispatcher's backend and enters BackendCreated.
// Handle is never nil once the phase reads BackendCreated.
func (d *Dispatcher) adopt(ctx context.Context, h *backend.Handle) error {
	return d.advance(ctx, PhaseBackendCreated, func() { d.handle = h })
}

// bind mounts h at p and publishes the outcome. Only the first successful
// mount moves the handshake to Mounted and fixes mountPath. Callers put p in
// ctx for logging.
func (d *Dispatcher) bind(ctx context.Context, hook string, h *backend.Handle, p string, mode fs.FileMode) error {
	err := d.table.Mount(h, p, mode)
	switch {
	case err == nil:
	case errors.Is(err, mount.ErrAlreadyMounted):
		d.metrics.RecordMount("already_mounted")
		logger.WarnCtx(ctx, "mount path already carries a backend")
		return d.report(ctx, KindAlreadyMounted, hook, p, err)
	default:
		code := mount.Code(err)
		d.metrics.RecordMount(mount.ErrnoName(code))
		logger.ErrorCtx(ctx, "mount failed", logger.KeyCode, mount.ErrnoName(code), logger.KeyError, err)
		if d.Phase() == PhaseMounted {
			return d.report(ctx, KindMountFailure, hook, p, err)
		}
		return d.fail(ctx, KindMountFailure, hook, p, err)
	}
	d.metrics.RecordMount("ok")

	d.mu.Lock()
	first := d.phase != PhaseMounted
	d.mountedPaths = append(d.mountedPaths, p)
	paths := append([]string(nil), d.mountedPaths...)
	if first {
		d.handle = h
		d.mountPath = p
	}
	d.mu.Unlock()

	if first {
		if err := d.transition(ctx, PhaseMounted); err != nil {
			return err
		}
	}

	d.mu.Lock()
	mountPath := d.mountPath
	d.mu.Unlock()

	d.publish(ctx, map[readiness.Key]any{
		readiness.KeyBackendMounted: true,
		readiness.KeyMountPath:      mountPath,
		readiness.KeyMountedPaths:   paths,
	})
	logger.InfoCtx(ctx, "backend mounted", logger.KeyBackend, h.String())
	return nil
}

// transition moves the handshake one phase forward.
func (d *Dispatcher) transition(ctx context.Context, next Phase) error {
	return d.advance(ctx, next, nil)
}

// advance is transition with apply run under the same lock as the phase
// change, before the phase is published.
func (d *Dispatcher) advance(ctx context.Context, next Phase, apply func()) error {
	d.mu.Lock()
	prev := d.phase
	if !prev.CanTransition(next) {
		failure := d.failure
		d.mu.Unlock()
		if failure != nil {
			return failure
		}
		return newError(KindHookOrderViolation, "", "", fmt.Errorf("illegal transition %s -> %s", prev, next))
	}
	d.phase = next
	if apply != nil {
		apply()
	}
	d.mu.Unlock()

	d.metrics.SetPhase(int(next))
	d.publish(ctx, map[readiness.Key]any{readiness.KeyPhase: next.String()})
	logger.DebugCtx(ctx, "phase transition", logger.KeyPhase, next.String(), "from", prev.String())
	return nil
}

// fail moves the handshake to Failed and publishes the failure. The handle,
// if any, is released.
func (d *Dispatcher) fail(ctx context.Context, kind Kind, hook, p string, err error) *Error {
	e := newError(kind, hook, p, err)

	d.mu.Lock()
	if d.failure == nil {
		d.failure = e
	}
	d.phase = PhaseFailed
	d.handle = nil
	d.mu.Unlock()

	d.metrics.SetPhase(int(PhaseFailed))
	d.publish(ctx, map[readiness.Key]any{
		readiness.KeyPhase:          PhaseFailed.String(),
		readiness.KeyBackendMounted: false,
		readiness.KeyFailure:        kind.String(),
		readiness.KeyFailureDetail:  e.Error(),
	})
	logger.ErrorCtx(ctx, "handshake failed", logger.KeyKind, kind.String(), logger.KeyError, err)
	return e
}

// report publishes a failure that ends the current attempt without failing
// the handshake.
func (d *Dispatcher) report(ctx context.Context, kind Kind, hook, p string, err error) *Error {
	e := newError(kind, hook, p, err)
	d.publish(ctx, map[readiness.Key]any{
		readiness.KeyFailure:       kind.String(),
		readiness.KeyFailureDetail: e.Error(),
	})
	return e
}

func (d *Dispatcher) publish(ctx context.Context, values map[readiness.Key]any) {
	if err := d.core.SetMany(values); err != nil {
		logger.ErrorCtx(ctx, "publish readiness flags", logger.KeyError, err)
	}
}

// Preload waits for pending run dependencies and seals the mount table.
// before_preload must have fired. Later calls are no-ops.
func (d *Dispatcher) Preload(ctx context.Context) error {
	d.mu.Lock()
	if d.preloaded {
		d.mu.Unlock()
		return nil
	}
	ready := d.hooks[len(d.hooks)-1].fired
	d.mu.Unlock()

	if !ready {
		return d.fail(ctx, KindHookOrderViolation, "preload", "", fmt.Errorf("fired before %s", HookBeforePreload))
	}

	if pending := d.deps.Pending(); len(pending) > 0 {
		logger.InfoCtx(ctx, "waiting for run dependencies", logger.KeyDependency, pending)
	}
	if err := d.deps.Wait(ctx); err != nil {
		return err
	}

	d.table.Seal()
	d.mu.Lock()
	d.preloaded = true
	d.mu.Unlock()
	logger.InfoCtx(ctx, "preload started, namespace sealed", logger.KeyPhase, d.Phase().String())
	return nil
}

func (d *Dispatcher) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Handle returns the dispatcher's backend, nil outside BackendCreated and
// Mounted.
func (d *Dispatcher) Handle() *backend.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// MountPath returns the first mount path, "" before Mounted.
func (d *Dispatcher) MountPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mountPath
}

// MountedPaths returns every path mounted through the dispatcher.
func (d *Dispatcher) MountedPaths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.mountedPaths...)
}

// Failure returns the error that failed the handshake, or nil.
func (d *Dispatcher) Failure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failure == nil {
		return nil
	}
	return d.failure
}

// CapabilityAvailable is the value late_init read from the channel.
func (d *Dispatcher) CapabilityAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capabilityAvailable
}

func (d *Dispatcher) Mode() Mode { return d.cfg.Mode }

func (d *Dispatcher) Config() Config { return d.cfg }

func (d *Dispatcher) Dependencies() *Dependencies { return d.deps }

func (d *Dispatcher) Channel() *readiness.Channel { return d.channel }

func (d *Dispatcher) Table() *mount.Table { return d.table }

func (d *Dispatcher) Registry() *hostfunc.Registry { return d.registry }
