package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shellport/shellport/internal/config"
	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/handlers"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/profile"
	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/pubsub"
	"github.com/shellport/shellport/internal/remote"
	"github.com/shellport/shellport/internal/scheduler"
	"github.com/shellport/shellport/internal/sftpfiles"
	"github.com/shellport/shellport/internal/sftpsession"
	"github.com/shellport/shellport/internal/terminal"
	"github.com/shellport/shellport/internal/transfer"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--add-profile":
			runAddProfile(os.Args[2:])
			return
		case "--generate-key":
			runGenerateKey(os.Args[2:])
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("shellport exited", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Settings, logger *slog.Logger) error {
	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer store.Close()

	if err := store.LoadSeedFile(context.Background(), cfg.ProfilesFile, logger); err != nil {
		return fmt.Errorf("seed profiles: %w", err)
	}

	dialer, err := remote.NewDialer(remote.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		KnownHostsPath: cfg.KnownHostsPath,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("ssh dialer: %w", err)
	}

	sched := scheduler.New(logger)
	defer sched.Stop()

	broker := pubsub.NewBroker(logger)
	tracker := progress.NewTracker(broker, sched, progress.Options{
		GracePeriod: cfg.ProgressGracePeriod,
		Logger:      logger,
	})

	registry := sftpsession.New(dialer, sftpsession.Options{
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      logger,
	})
	defer registry.Close()
	if err := registry.StartSweeper(cfg.SessionSweepSchedule); err != nil {
		return fmt.Errorf("session sweeper: %w", err)
	}

	files := sftpfiles.NewService(store, registry, transfer.NewEngine(tracker, logger), tracker, logger)
	relay := terminal.NewRelay(store, terminal.DialerOpener(dialer), broker, terminal.Options{
		Cols:   cfg.TerminalCols,
		Rows:   cfg.TerminalRows,
		Logger: logger,
	})
	defer relay.Close()

	server := handlers.New(handlers.Deps{
		Files:    files,
		Tracker:  tracker,
		Relay:    relay,
		Broker:   broker,
		Profiles: store,
		Logger:   logger,
	})
	defer server.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-sigCtx.Done():
	}
	logger.Info("shutting down")

	// Hijacked WebSocket connections are not tracked by Shutdown.
	server.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func runAddProfile(args []string) {
	fs := flag.NewFlagSet("add-profile", flag.ExitOnError)
	nickname := fs.String("nickname", "", "Display name")
	host := fs.String("host", "", "Remote host")
	port := fs.Int("port", profile.DefaultPort, "SSH port")
	username := fs.String("username", "", "Remote user")
	password := fs.String("password", "", "Password (password auth)")
	keyFile := fs.String("key-file", "", "PEM private key file (key auth)")
	passphrase := fs.String("passphrase", "", "Private key passphrase")
	fs.Parse(args)

	p := profile.Profile{
		Nickname: *nickname,
		Host:     *host,
		Port:     *port,
		Username: *username,
		AuthType: profile.AuthPassword,
		Password: *password,
	}
	if *keyFile != "" {
		pem, err := os.ReadFile(*keyFile)
		if err != nil {
			fatal("read key file: %v", err)
		}
		p.AuthType = profile.AuthKey
		p.Password = ""
		p.PrivateKey = string(pem)
		p.Passphrase = *passphrase
	}
	err := p.Validate()
	if err == nil && p.Nickname == "" {
		err = errors.New("nickname is required")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nUsage: shellport --add-profile --nickname <name> --host <host> --username <user> (--password <pass> | --key-file <pem>)\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("%v", err)
	}
	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		fatal("database init: %v", err)
	}
	defer store.Close()

	id, err := store.UpsertProfileByNickname(context.Background(), p)
	if err != nil {
		fatal("save profile: %v", err)
	}
	fmt.Printf("Profile '%s' saved with id %d.\n", p.DisplayName(), id)
}

func runGenerateKey(args []string) {
	fs := flag.NewFlagSet("generate-key", flag.ExitOnError)
	out := fs.String("out", "", "Private key output path (default <data>/id_ed25519)")
	fs.Parse(args)

	path := *out
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		path = filepath.Join(cfg.DataPath, "id_ed25519")
	}
	if _, err := os.Stat(path); err == nil {
		fatal("%s already exists", path)
	}

	pub, priv, err := remote.GenerateKeyPair()
	if err != nil {
		fatal("generate key: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fatal("create key directory: %v", err)
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		fatal("write private key: %v", err)
	}
	if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
		fatal("write public key: %v", err)
	}
	fmt.Printf("Key pair written to %s. Add this line to the remote authorized_keys:\n%s", path, pub)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
