package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/droprate/internal/config"
	"github.com/NodePath81/droprate/internal/control"
	"github.com/NodePath81/droprate/internal/journal"
	"github.com/NodePath81/droprate/internal/metrics"
	"github.com/NodePath81/droprate/internal/util"
)

// Runtime owns the shared services of one configuration: metrics, the
// status store, the optional journal and control server.
type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	metrics *metrics.Metrics
	status  *control.StatusStore
	control *control.ControlServer
	journal *journal.Journal
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewMetrics()
	status := control.NewStatusStore(control.NewStatusHub(ctx.Done()))
	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
		status:  status,
	}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			cancel()
			return nil, err
		}
		rt.journal = j
	}
	if cfg.Control.IsEnabled() {
		rt.control = control.NewControlServer(cfg, m, status, logger)
		if rt.journal != nil {
			rt.control.SetHistory(rt.journal)
		}
	}
	return rt, nil
}

func (r *Runtime) Start() error {
	if r.control == nil {
		return nil
	}
	return r.control.Start(r.ctx)
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close failed", "error", err)
		}
	}
}

func (r *Runtime) Status() *control.StatusStore { return r.status }

func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Run executes every configured session. Sessions run concurrently; the
// first failure cancels the rest and is returned along with the reports
// of sessions that finished.
func (r *Runtime) Run(ctx context.Context) ([]SessionReport, error) {
	reports := make([]SessionReport, len(r.cfg.Sessions))
	done := make([]bool, len(r.cfg.Sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range r.cfg.Sessions {
		i, sc := i, sc
		g.Go(func() error {
			report, err := r.runSession(gctx, sc)
			if err != nil {
				return fmt.Errorf("session %s: %w", sc.Name, err)
			}
			reports[i] = report
			done[i] = true
			return nil
		})
	}
	err := g.Wait()
	out := make([]SessionReport, 0, len(reports))
	for i, report := range reports {
		if done[i] {
			out = append(out, report)
		}
	}
	return out, err
}
