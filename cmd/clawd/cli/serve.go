package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawdeploy/clawd/internal/alert"
	"github.com/clawdeploy/clawd/internal/docker"
	"github.com/clawdeploy/clawd/internal/log"
	"github.com/clawdeploy/clawd/internal/nginx"
	"github.com/clawdeploy/clawd/internal/provision"
	"github.com/clawdeploy/clawd/internal/queue"
	"github.com/clawdeploy/clawd/internal/store"
	"github.com/clawdeploy/clawd/internal/terminal"
	"github.com/clawdeploy/clawd/internal/tools"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Starts the task queue processor and the websocket terminal
server. The processor drains lifecycle tasks one at a time; the
terminal server handles interactive shells concurrently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runtime, err := docker.New(docker.Options{
		Image:        cfg.Container.Image,
		PortMin:      cfg.Container.PortMin,
		PortMax:      cfg.Container.PortMax,
		PortAttempts: cfg.Container.PortAttempts,
		CPUs:         cfg.Container.CPUs,
		MemoryMB:     cfg.Container.MemoryMB,
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	if err := runtime.Ping(ctx); err != nil {
		return err
	}

	prov := provision.New(cfg.DataRoot)
	proxy := nginx.NewSyncer(storeUpstreams{st}, cfg.Nginx.ConfPath, cfg.Nginx.Sudo)

	registry := tools.NewRegistry(tools.Options{
		Store:        st,
		Runtime:      runtime,
		Prov:         prov,
		Proxy:        proxy,
		BuildContext: cfg.Container.BuildContext,
		ReportPath:   cfg.Observe.ReportPath,
	})

	alerts := alert.NewEngine(cfg.Observe.AlertPath)
	runner := queue.NewToolRunner(registry, cfg.Observe.TraceDir, alerts, nil)
	processor := queue.New(st, runner, cfg.Queue.PollInterval.Std(), cfg.Queue.ErrorBackoff.Std())

	termSrv := terminal.NewServer(st, terminal.DockerRuntime{Client: runtime}, terminal.UserTokenVerifier{})
	httpSrv := &http.Server{
		Addr:    cfg.Terminal.Addr,
		Handler: termSrv.Handler(),
	}

	log.Info("clawd starting", "db", cfg.DBPath, "terminal_addr", cfg.Terminal.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := processor.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("terminal server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon exited", "error", err)
		return err
	}
	log.Info("clawd stopped")
	return nil
}

// storeUpstreams feeds running instances to the proxy syncer.
type storeUpstreams struct {
	st *store.Store
}

func (u storeUpstreams) RunningUpstreams(context.Context) ([]nginx.Upstream, error) {
	instances, err := u.st.ListRunning()
	if err != nil {
		return nil, err
	}
	upstreams := make([]nginx.Upstream, 0, len(instances))
	for _, inst := range instances {
		if inst.Port == nil {
			continue
		}
		upstreams = append(upstreams, nginx.Upstream{InstanceID: inst.ID, Port: *inst.Port})
	}
	return upstreams, nil
}
