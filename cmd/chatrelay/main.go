// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/zhaopengme/chatrelay/pkg/config"
	"github.com/zhaopengme/chatrelay/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	build = buildTime
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("chatrelay %s\n", formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			printVersion()
			return 0
		default:
			fmt.Fprintf(os.Stderr, "Unknown argument: %s\n", args[0])
			fmt.Fprintln(os.Stderr, "Usage: chatrelay [version]")
			return 2
		}
	}

	if err := config.LoadDotEnv(); err != nil {
		logger.WarnCF("main", "Continuing with process environment only", map[string]interface{}{
			"error": err.Error(),
		})
	}

	cfg, err := config.Load()
	if err != nil {
		logger.ErrorCF("main", "Invalid configuration, refusing to start", map[string]interface{}{
			"error": err.Error(),
		})
		return 1
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetFormat(cfg.Log.Format)

	if err := serve(ctx, cfg); err != nil {
		logger.ErrorCF("main", "Relay stopped with error", map[string]interface{}{
			"error": err.Error(),
		})
		return 1
	}

	logger.InfoC("main", "Shutdown complete")
	return 0
}
