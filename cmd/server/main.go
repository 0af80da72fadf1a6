package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ballmachine.dev/internal/audit"
	"ballmachine.dev/internal/auth"
	"ballmachine.dev/internal/config"
	"ballmachine.dev/internal/httpapi"
	"ballmachine.dev/internal/registry"
	"ballmachine.dev/internal/sandbox"
	"ballmachine.dev/internal/sim"
	"ballmachine.dev/internal/validate"
)

func main() {
	var (
		addr       = flag.String("addr", ":8000", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configPath = flag.String("config", "", "path to machine.yaml (default: <data>/machine.yaml)")
		seed       = flag.Int64("seed", 1337, "ball placement seed")

		bootstrapAdmin = flag.String("bootstrap_admin", "", "create an admin user with this name and log a session token (dev)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cp := strings.TrimSpace(*configPath)
	if cp == "" {
		cp = filepath.Join(*dataDir, "machine.yaml")
	}
	cfg, err := config.Load(cp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", cp)
			cfg = config.Defaults()
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	auditLog := audit.NewLogger(filepath.Join(*dataDir, "audit"))
	defer auditLog.Close()

	reg, err := registry.Open(filepath.Join(*dataDir, "chambers.sqlite"), registry.Options{
		MaxModuleBytes: cfg.MaxModuleBytes,
	})
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	defer reg.Close()

	authStore, err := auth.OpenStore(filepath.Join(*dataDir, "auth.sqlite"))
	if err != nil {
		logger.Fatalf("open auth store: %v", err)
	}
	defer authStore.Close()
	authSvc := auth.NewService(authStore)

	if name := strings.TrimSpace(*bootstrapAdmin); name != "" {
		p, err := authStore.CreateUser(ctx, name, true)
		if err != nil {
			logger.Fatalf("bootstrap admin: %v", err)
		}
		token, err := authStore.CreateSession(ctx, p.UserID)
		if err != nil {
			logger.Fatalf("bootstrap admin session: %v", err)
		}
		logger.Printf("bootstrap admin %s user_id=%s session_id=%s", name, p.UserID, token)
	}

	host, err := sandbox.NewRuntime(ctx, sandbox.Config{
		MemoryLimitPages: cfg.Sandbox.MemoryLimitPages,
		StepBudget:       time.Duration(cfg.Sandbox.StepBudgetMs) * time.Millisecond,
	}, log.New(os.Stdout, "[sandbox] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("sandbox runtime: %v", err)
	}
	defer host.Close(context.Background())

	pipe := validate.NewPipeline(reg, host, validate.Config{
		Steps:         cfg.Validation.Steps,
		NumBalls:      cfg.Validation.NumBalls,
		Budget:        time.Duration(cfg.Validation.BudgetMs) * time.Millisecond,
		CoordBound:    cfg.Validation.CoordBound,
		ChamberHeight: cfg.Seed.ChamberHeight,
	}, validate.PipelineOptions{}, log.New(os.Stdout, "[validate] ", log.LstdFlags|log.Lmicroseconds), auditLog)
	pipe.Start(ctx, cfg.Validation.Workers)

	// Chambers uploaded before a crash may still be pending; requeue them.
	for _, c := range reg.List(registry.StatePendingValidation) {
		pipe.Submit(c.ID)
	}

	accepted := reg.List(registry.StateAccepted)
	ids := make([]string, len(accepted))
	for i, c := range accepted {
		ids[i] = c.ID
	}
	engine := sim.New(
		sim.SandboxFactory(host, reg),
		sim.Config{
			NumBalls:       cfg.Seed.NumBalls,
			ChambersPerRow: cfg.Seed.ChambersPerRow,
			ChamberHeight:  cfg.Seed.ChamberHeight,
		},
		ids,
		sim.Options{TickRateHz: cfg.TickRateHz, HistoryLen: cfg.HistoryLen, Seed: *seed},
		log.New(os.Stdout, "[sim] ", log.LstdFlags|log.Lmicroseconds),
		auditLog,
	)
	go func() {
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	api := httpapi.NewServer(engine, reg, authSvc, pipe, auditLog, int64(cfg.MaxModuleBytes)+64*1024, logger)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := engine.Metrics()

		fmt.Fprintf(rw, "# HELP ballmachine_instances Simulation instances by state.\n")
		fmt.Fprintf(rw, "# TYPE ballmachine_instances gauge\n")
		fmt.Fprintf(rw, "ballmachine_instances{state=%q} %d\n", "running", m.Running)
		fmt.Fprintf(rw, "ballmachine_instances{state=%q} %d\n", "trapped", m.Trapped)

		fmt.Fprintf(rw, "# HELP ballmachine_steps_total Steps taken across all live instances.\n")
		fmt.Fprintf(rw, "# TYPE ballmachine_steps_total counter\n")
		fmt.Fprintf(rw, "ballmachine_steps_total %d\n", m.TotalSteps)

		fmt.Fprintf(rw, "# HELP ballmachine_chambers Registered chambers by lifecycle state.\n")
		fmt.Fprintf(rw, "# TYPE ballmachine_chambers gauge\n")
		for _, st := range []registry.State{
			registry.StatePendingValidation,
			registry.StateValidated,
			registry.StateAccepted,
			registry.StateRejected,
		} {
			fmt.Fprintf(rw, "ballmachine_chambers{state=%q} %d\n", st.String(), len(reg.List(st)))
		}
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
