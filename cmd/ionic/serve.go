package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ionicresearchlabs/ionic/internal/httpapi"
	"github.com/ionicresearchlabs/ionic/internal/logging"
)

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default ~/.ionic/config.json)")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	quiet := fs.Bool("q", false, "Log to file only, not stderr")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*cfgPath)
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if err := logging.Init(cfg.DataDir, !*quiet); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		logging.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.hub.Start(ctx); err != nil {
		logging.Error("hub start failed", "err", err)
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
}
