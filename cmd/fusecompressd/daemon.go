package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hexxellor/fusecompress"
	"github.com/hexxellor/fusecompress/core"
	"github.com/hexxellor/fusecompress/fuseadaptor"
	"github.com/hexxellor/fusecompress/internal/oninterrupt"
)

func newLogger(f Flags) *log.Logger {
	if f.LogFile == "" {
		return log.New(os.Stderr, "fusecompressd: ", log.LstdFlags)
	}
	lj := &lumberjack.Logger{
		Filename:   f.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	}
	fusecompress.RegisterAtExit(func() error { return lj.Close() })
	return log.New(lj, "fusecompressd: ", log.LstdFlags)
}

func run(ctx context.Context, f Flags) error {
	logger := newLogger(f)

	info, err := os.Stat(f.Backing)
	if err != nil {
		return fmt.Errorf("backing directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backing directory %s is not a directory", f.Backing)
	}

	cfg := core.DefaultConfig()
	cfg.FallbackSkipRatio = f.FallbackSkipRatio
	cfg.FallbackMinSize = f.FallbackMinSize
	cfg.CompressLevel = f.CompressLevel
	cfg.DedupEnabled = f.DedupEnabled
	cfg.Logger = logger

	registry := prometheus.NewRegistry()
	c, err := core.New(nil, registry, f.DedupIndex, cfg)
	if err != nil {
		return fmt.Errorf("core.New: %w", err)
	}

	if f.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: f.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
		fusecompress.RegisterAtExit(func() error { return srv.Close() })
	}

	ctx, cancel := context.WithCancel(ctx)
	c.Start(ctx)

	fusecompress.RegisterAtExit(func() error {
		cancel()
		return c.Shutdown()
	})

	fs := fuseadaptor.New(f.Backing, c, logger)
	join, err := fuseadaptor.Mount(f.Mountpoint, fs)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", f.Mountpoint, err)
	}

	oninterrupt.Register(func() {
		logger.Printf("caught signal, unmounting %s", f.Mountpoint)
		if err := fusecompress.RunAtExit(); err != nil {
			logger.Printf("at-exit: %v", err)
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Printf("caught SIGTERM, unmounting %s", f.Mountpoint)
		syscall.Unmount(f.Mountpoint, 0)
	}()

	joinErr := join(ctx)
	if err := fusecompress.RunAtExit(); err != nil && joinErr == nil {
		joinErr = err
	}
	return joinErr
}
