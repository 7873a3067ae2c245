// Package app is the composition root: flags, environment, bootstrap and
// the two long-running halves (pipeline and admin API).
package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"logward/internal/app/bootstrap"
	"logward/internal/app/server"
	"logward/internal/config"
)

const defaultAdminPort = 8089

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	adminPortFlag := flag.Int("admin-port", defaultAdminPort, "Port for the admin API")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	noAdminFlag := flag.Bool("no-admin", false, "Run the pipeline without the admin API")
	flag.Parse()

	if *debugFlag || os.Getenv("LOG_LEVEL") == "debug" {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	adminPort := resolvePort("ADMIN_PORT", *adminPortFlag)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Orchestrator.Run(ctx, config.GetConfig().Sources)
	})
	if !*noAdminFlag {
		g.Go(func() error {
			return server.OpenRoutes(ctx, adminPort, server.Deps{
				Defender:      engine.Defender,
				Whitelist:     engine.Whitelist,
				Stats:         engine.Orchestrator.Stats(),
				Ranges:        engine.Ranges,
				ApplySettings: engine.ApplySettings,
			})
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("shutting down")
		return nil
	}
	return err
}

func resolvePort(envKey string, fallback int) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return fallback
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return fallback
	}
	return port
}
