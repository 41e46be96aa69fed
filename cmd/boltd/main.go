// Package main provides the BoltD CLI entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/fenwickgraph/boltd/pkg/audit"
	"github.com/fenwickgraph/boltd/pkg/auth"
	"github.com/fenwickgraph/boltd/pkg/bolt"
	"github.com/fenwickgraph/boltd/pkg/config"
	"github.com/fenwickgraph/boltd/pkg/encryption"
	"github.com/fenwickgraph/boltd/pkg/graphdemo"
	"github.com/fenwickgraph/boltd/pkg/metrics"
	"github.com/fenwickgraph/boltd/pkg/packstream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boltd",
		Short: "BoltD - a Bolt protocol session server",
		Long: `BoltD speaks the Bolt wire protocol (handshake, PackStream,
chunked framing, optional WebSocket transport) in front of a pluggable
query engine. The bundled "serve" command runs it against a small
badger-backed demo graph store.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("BoltD v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the BoltD server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Config file path")
	serveCmd.Flags().String("listen-addr", "", "Override the listen address from config")
	serveCmd.Flags().Bool("in-memory", false, "Use an ephemeral in-memory graph store instead of --data-dir")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new BoltD data directory",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "", "Data directory (defaults to config's data_dir)")
	rootCmd.AddCommand(initCmd)

	createUserCmd := &cobra.Command{
		Use:   "createuser <username> <password>",
		Short: "Create a user in a fresh, printed credential store",
		Long: `createuser validates a username/password pair against BoltD's
password policy and prints the resulting user record. BoltD's demo
Authenticator keeps users in memory, so this command exists to check
credentials against the policy before wiring them into a longer-lived
deployment's startup configuration, not to persist a user by itself.`,
		Args: cobra.ExactArgs(2),
		RunE: runCreateUser,
	}
	createUserCmd.Flags().String("role", string(auth.RoleViewer), "Role to grant: admin, editor, or viewer")
	rootCmd.AddCommand(createUserCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() logr.Logger {
	return stdr.New(log.New(os.Stdout, "", log.LstdFlags))
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	listenOverride, _ := cmd.Flags().GetString("listen-addr")
	inMemory, _ := cmd.Flags().GetBool("in-memory")

	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenOverride != "" {
		settings.ListenAddr = listenOverride
	}

	logger := newLogger()

	var store *graphdemo.Store
	if inMemory {
		store, err = graphdemo.OpenInMemory()
	} else {
		store, err = graphdemo.Open(settings.DataDir)
	}
	if err != nil {
		return fmt.Errorf("opening graph store: %w", err)
	}
	defer store.Close()

	executor := graphdemo.New(store)
	authenticator := auth.New(auth.DefaultConfig())

	auditLogger, closeAudit, err := newAuditLogger(settings)
	if err != nil {
		return fmt.Errorf("initializing audit logger: %w", err)
	}
	defer closeAudit()

	authenticator.SetAuditLogger(func(event auth.AuditEvent) {
		_ = auditLogger.Log(audit.Event{
			Type:     audit.EventType(strings.ToUpper(event.EventType)),
			Username: event.Username,
			UserID:   event.UserID,
			Success:  event.Success,
			Reason:   event.Details,
		})
	})

	recorder, err := metrics.New(otel.Meter("boltd"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv := bolt.New(
		bolt.Config{
			ListenAddr:       settings.ListenAddr,
			MaxConnections:   settings.MaxConnections,
			WebSocketEnabled: settings.WebSocketEnabled,
		},
		packstream.Decoder{},
		packstream.Encoder{},
		executor,
		authenticator,
		logger,
	)
	srv.OnSessionOpened = func(sessionID, remoteAddr string) {
		recorder.SessionOpened(context.Background())
		_ = auditLogger.LogBoltSession(audit.EventBoltConnect, sessionID, remoteAddr, "", true, "")
	}
	srv.OnSessionClosed = func(sessionID string) {
		recorder.SessionClosed(context.Background())
		_ = auditLogger.LogBoltSession(audit.EventBoltDisconnect, sessionID, "", "", true, "")
	}
	srv.OnAuthenticate = func(sessionID, remoteAddr, principal string, success bool, reason string) {
		_ = auditLogger.LogBoltSession(audit.EventLogin, sessionID, remoteAddr, principal, success, reason)
	}
	srv.OnQuery = func(sessionID, username, query string, success bool) {
		_ = auditLogger.LogBoltQuery(sessionID, username, query, success)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting boltd", "listen_addr", settings.ListenAddr, "data_dir", settings.DataDir)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// newAuditLogger builds the audit.Logger runServe wires into
// bolt.Server's session hooks. An empty AuditLogPath disables logging
// outright (the returned Logger has Enabled set to false and no
// writer). A configured EncryptionKeyFile wraps the log
// file in an encryption.EncryptedLogWriter, sealing every entry with a
// password-derived AES-256-GCM key before it reaches disk.
func newAuditLogger(settings config.Settings) (*audit.Logger, func() error, error) {
	auditConfig := audit.DefaultConfig()
	auditConfig.LogPath = settings.AuditLogPath

	if settings.AuditLogPath == "" {
		auditConfig.Enabled = false
		return audit.NewLoggerWithWriter(nil, auditConfig), func() error { return nil }, nil
	}

	if settings.EncryptionKeyFile == "" {
		logger, err := audit.NewLogger(auditConfig)
		if err != nil {
			return nil, nil, err
		}
		return logger, logger.Close, nil
	}

	password, err := os.ReadFile(settings.EncryptionKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading encryption key file: %w", err)
	}
	enc, err := encryption.NewEncryptorWithPassword(strings.TrimSpace(string(password)), encryption.DefaultConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("deriving audit log encryption key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(auditConfig.LogPath), 0750); err != nil {
		return nil, nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(auditConfig.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log file: %w", err)
	}

	logger := audit.NewLoggerWithWriter(encryption.NewEncryptedLogWriter(file, enc), auditConfig)
	return logger, file.Close, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = config.Default().DataDir
	}

	fmt.Printf("Initializing BoltD data directory at %s\n", dataDir)
	store, err := graphdemo.Open(dataDir)
	if err != nil {
		return fmt.Errorf("initializing graph store: %w", err)
	}
	defer store.Close()

	fmt.Println("Data directory initialized successfully")
	return nil
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	username, password := args[0], args[1]
	roleFlag, _ := cmd.Flags().GetString("role")

	role, err := auth.RoleFromString(roleFlag)
	if err != nil {
		return err
	}

	authenticator := auth.New(auth.DefaultConfig())
	user, err := authenticator.CreateUser(username, password, []auth.Role{role})
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	fmt.Printf("Created user %q (id=%s, role=%s)\n", user.Username, user.ID, role)
	return nil
}
