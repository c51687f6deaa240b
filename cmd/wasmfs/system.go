package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/caffeineduck/wasmfs/backend"
	"github.com/caffeineduck/wasmfs/config"
	"github.com/caffeineduck/wasmfs/coordinator"
	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/lifecycle"
	"github.com/caffeineduck/wasmfs/metrics"
	"github.com/caffeineduck/wasmfs/mount"
	"github.com/caffeineduck/wasmfs/readiness"
	"github.com/caffeineduck/wasmfs/wasmhost"
)

// system is one booted (or bootable) filesystem with everything wired.
type system struct {
	cfg         *config.Config
	channel     *readiness.Channel
	registry    *hostfunc.Registry
	table       *mount.Table
	root        *backend.Root
	opfs        *backend.OPFS
	deps        *lifecycle.Dependencies
	dispatcher  *lifecycle.Dispatcher
	coordinator *coordinator.Coordinator
	host        *wasmhost.Host
	metrics     *prometheus.Registry
}

func newSystem(cfg *config.Config, hostOpts ...wasmhost.Option) (*system, error) {
	lc, err := cfg.Lifecycle()
	if err != nil {
		return nil, err
	}

	root, err := openRoot(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	s := &system{
		cfg:      cfg,
		channel:  readiness.New(),
		registry: hostfunc.NewRegistry(),
		table:    mount.New(cfg.TableOptions()...),
		root:     root,
		opfs:     backend.NewOPFS(root),
		deps:     lifecycle.NewDependencies(),
	}

	// The host side: the backend factory plus namespace and flag functions
	// for guests.
	s.registry.Register(cfg.FactoryCapability, backend.AsCapability(s.opfs))
	hostfunc.NewFS(s.table).Register(s.registry)
	hostfunc.NewFlags(s.channel).Register(s.registry)

	opts := []lifecycle.Option{
		lifecycle.WithStorage(s.opfs),
		lifecycle.WithDependencies(s.deps),
	}
	if cfg.Metrics.Enabled {
		s.metrics = prometheus.NewRegistry()
		s.metrics.MustRegister(collectors.NewGoCollector())
		s.metrics.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, lifecycle.WithMetrics(metrics.NewHandshake(s.metrics)))
	}

	s.dispatcher = lifecycle.New(s.channel, s.registry, s.table, lc, opts...)
	s.coordinator = coordinator.New(s.channel, s.registry, root,
		coordinator.WithCapability(cfg.DirCapability),
		coordinator.WithDependencies(s.deps))

	s.host, err = wasmhost.New(s.dispatcher, hostOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openRoot(dir string) (*backend.Root, error) {
	if dir == "" {
		return backend.NewMemRoot(), nil
	}
	root, err := backend.NewOSRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open storage dir: %w", err)
	}
	return root, nil
}

// boot runs the handshake. In deferred mode the coordinator runs alongside
// it and preload waits for the coordinator's run dependency.
func (s *system) boot(ctx context.Context) error {
	start := time.Now()

	if err := s.coordinator.Announce(true); err != nil {
		return err
	}

	var results <-chan coordinator.Result
	coordCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.dispatcher.Mode() == lifecycle.ModeDeferred {
		results = s.coordinator.Go(coordCtx)
	}

	bootErr := s.host.Boot(ctx)
	if bootErr != nil {
		cancel()
	}

	var coordErr error
	if results != nil {
		res := <-results
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			coordErr = fmt.Errorf("mount coordinator: %w", res.Err)
		}
	}

	logger.InfoCtx(ctx, "handshake finished",
		logger.KeyPhase, s.dispatcher.Phase().String(),
		logger.KeyMode, s.dispatcher.Mode().String(),
		"mounted", s.dispatcher.MountedPaths(),
		logger.KeyDuration, time.Since(start).Milliseconds())

	if bootErr != nil {
		return bootErr
	}
	return coordErr
}

func (s *system) close() error {
	return s.host.Close()
}

type mountView struct {
	Path      string `json:"path"`
	Mode      string `json:"mode"`
	Backend   string `json:"backend"`
	Storage   string `json:"storage_path"`
	HostPath  string `json:"host_path,omitempty"`
	MountedAt string `json:"mounted_at"`
}

type bootReport struct {
	Flags  readiness.Flags `json:"flags"`
	Mounts []mountView     `json:"mounts"`
	Error  string          `json:"error,omitempty"`
}

func (s *system) mounts() []mountView {
	entries := s.table.Mounts()
	views := make([]mountView, 0, len(entries))
	for _, e := range entries {
		host, _ := e.Backend.HostPath()
		views = append(views, mountView{
			Path:      e.Path,
			Mode:      fmt.Sprintf("%04o", uint32(e.Mode.Perm())),
			Backend:   e.Backend.String(),
			Storage:   e.Backend.StoragePath(),
			HostPath:  host,
			MountedAt: e.MountedAt.UTC().Format(time.RFC3339),
		})
	}
	return views
}

func (s *system) report(err error) bootReport {
	r := bootReport{
		Flags:  s.channel.Snapshot(),
		Mounts: s.mounts(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
