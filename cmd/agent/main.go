package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pushagent/internal/app"
	"pushagent/internal/runtime/lifecycle"
	logx "pushagent/pkg/logx"
	"pushagent/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, lifecycle.StopFatalError)
		stopCancel()
		os.Exit(1)
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("serving on " + a.HTTPAddr())
	go systemd.RunWatchdog(ctx, a.Healthy, a.Logger().With(logx.String("comp", "systemd")))

	reason := lifecycle.StopUnknown
	select {
	case sig := <-sigs:
		reason = lifecycle.FromSignal(sig)
	case <-a.Done():
		reason = lifecycle.StopFatalError
		if err := a.Err(); err != nil {
			a.Logger().Error("fatal error", logx.Err(err))
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == lifecycle.StopFatalError {
		os.Exit(1)
	}
}
