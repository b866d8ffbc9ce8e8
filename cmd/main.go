// Command arena2api runs the OpenAI-compatible proxy in front of the
// browser-gated arena.ai chat platform. Browser extensions push session
// state and perishable tokens to the server; OpenAI clients consume the
// standard /v1 surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"arena2api/internal/app"
	"arena2api/internal/auth"
	"arena2api/internal/llm"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	loadEnvFile()

	disableAuth := flag.Bool("disable-auth", false, "disable API key verification on the OpenAI surface")
	debug := flag.Bool("debug", false, "enable debug logging")
	issueToken := flag.String("issue-token", "", "mint an access token for the named client and exit (requires AUTH_SECRET)")
	flag.Parse()

	if *disableAuth {
		os.Setenv("DISABLE_AUTH", "true")
	}
	if *debug {
		os.Setenv("DEBUG", "1")
	}

	cfg := llm.GetConfig()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if *issueToken != "" {
		secret := os.Getenv("AUTH_SECRET")
		if secret == "" {
			log.Fatal("AUTH_SECRET must be set to issue access tokens")
		}
		token, err := auth.CreateAccessToken(*issueToken, secret)
		if err != nil {
			log.WithError(err).Fatal("failed to issue access token")
		}
		fmt.Println(token)
		return
	}

	a := app.NewApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Registry.StartSweeper(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
}

// loadEnvFile walks up from the working directory looking for a .env file so
// the server can be launched from any subdirectory of a deployment.
func loadEnvFile() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			if err := godotenv.Load(candidate); err == nil {
				return
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
