package main

import (
	"context"
	"flag"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ionicresearchlabs/ionic/internal/coord"
	"github.com/ionicresearchlabs/ionic/internal/httpapi"
	"github.com/ionicresearchlabs/ionic/internal/logging"
	"github.com/ionicresearchlabs/ionic/internal/ui"
)

func runTUI() {
	fs := flag.NewFlagSet("tui", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default ~/.ionic/config.json)")
	serveAPI := fs.Bool("http", false, "Also serve the local HTTP API")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*cfgPath)
	// The terminal belongs to the program; log to file only.
	if err := logging.Init(cfg.DataDir, false); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}
	defer logging.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := coord.New(0)
	rt, err := openRuntime(ctx, cfg, runtimeOptions{view: coordinator, cycleHook: coordinator.OnCycle})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	app := ui.NewApp(ctx, ui.Deps{
		List:     rt.list,
		Refresh:  func(ctx context.Context) error { return rt.hub.Refresh(ctx, true) },
		Ticker:   rt.hub.Ticker,
		Events:   rt.ring,
		PageSize: cfg.UI.PageSize,
	})
	program := tea.NewProgram(app, tea.WithAltScreen())
	coordinator.Start(ctx, program)

	go func() {
		if err := rt.hub.Start(ctx); err != nil {
			logging.Error("hub start failed", "err", err)
			return
		}
		if !*serveAPI {
			return
		}
		srv := httpapi.New(httpapi.Deps{
			Env:       rt.env,
			Hub:       rt.hub,
			List:      rt.list,
			Settings:  rt.kv,
			Events:    rt.ring,
			Transport: rt.transport,
			PageSize:  cfg.UI.PageSize,
			Logger:    logging.WithPrefix("http"),
		})
		if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
			logging.Error("http api failed", "err", err)
		}
	}()

	// Run UI (blocks until quit)
	if _, err := program.Run(); err != nil {
		logging.Error("error running program", "err", err)
	}

	cancel()
	coordinator.Wait()
}
