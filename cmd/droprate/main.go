package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/NodePath81/droprate/internal/app"
	"github.com/NodePath81/droprate/internal/config"
	"github.com/NodePath81/droprate/internal/util"
	"github.com/NodePath81/droprate/internal/version"
)

func main() {
	// A missing .env is normal; variables may come from the environment.
	_ = godotenv.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			hold := runCmd.Bool("hold", false, "Keep the control server up after sessions finish")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			os.Exit(runSessions(*configPath, *hold))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}
	printHelp()
	os.Exit(2)
}

func runSessions(configPath string, hold bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := app.NewSupervisor(configPath, os.Stderr)
	if err := supervisor.Start(); err != nil {
		util.NewLogger().Error("startup failed", "error", err)
		return 1
	}
	defer supervisor.Stop()
	logger := supervisor.Logger()

	if err := supervisor.Run(ctx, os.Stdout); err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	if hold {
		logger.Info("sessions finished, holding until signal")
		<-ctx.Done()
		logger.Info("shutdown requested")
	}
	return 0
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d sessions\n", len(cfg.Sessions))
}

func printHelp() {
	fmt.Print(`droprate - NDR/PDR and soak rate search

Usage:
  droprate run --config <path> [--hold]  Run all sessions and print the report
  droprate check --config <path>         Validate config file
  droprate help                          Show this help
  droprate version                       Print version

Environment (also read from .env):
  DROPRATE_AUTH_TOKEN    overrides control.auth_token
  DROPRATE_JOURNAL_PATH  overrides journal.path
`)
}
