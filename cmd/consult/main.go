// Command consult runs startup-idea analyses against the consulting backend
// and manages the resulting sessions from the terminal.
//
// Usage:
//
//	consult [global flags] analyze -idea-id N [-idea-name NAME]
//	consult [global flags] list [-cached]
//	consult [global flags] show -session ID
//	consult [global flags] toggle -session ID -item ID
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mistakr/consulting-client/internal/auth"
	"github.com/mistakr/consulting-client/internal/lockfile"
	"github.com/mistakr/consulting-client/internal/sse"
	"github.com/mistakr/consulting-client/internal/store"
	"github.com/mistakr/consulting-client/internal/util"
)

// Default configuration constants
const (
	// DefaultAPIPrefix is the path prefix of the consulting API
	DefaultAPIPrefix = "/api/v1"
	// DefaultStateDirName is created under the home directory when CONSULT_STATE_DIR is unset
	DefaultStateDirName = ".consult"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "consult.db"
)

func main() {
	config := loadEnvironmentConfig()
	flags, args, err := parseCommandLineFlags(config, os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(os.Stderr, flags.debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags, args, os.Stdout); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		} else {
			slog.Error("consult failed", "error", err)
		}
		os.Exit(1)
	}
}

// Config holds environment configuration
type Config struct {
	APIURL        string
	APIPrefix     string
	Token         string
	TokenFile     string
	StateDir      string
	DBDSN         string
	StreamTimeout time.Duration
	Debug         bool
}

// Flags holds command line flag values
type Flags struct {
	apiURL        string
	apiPrefix     string
	token         string
	tokenFile     string
	stateDir      string
	dbDSN         string
	streamTimeout time.Duration
	debug         bool
}

// initializeLogger installs a text handler; debug enables the Debug level.
func initializeLogger(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// defaultStateDir returns $HOME/.consult, or .consult when the home directory is unknown.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultStateDirName
	}
	return filepath.Join(home, DefaultStateDirName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		APIURL:        util.GetEnv("CONSULT_API_URL", ""),
		APIPrefix:     util.GetEnv("CONSULT_API_PREFIX", DefaultAPIPrefix),
		Token:         os.Getenv("CONSULT_TOKEN"),
		TokenFile:     os.Getenv("CONSULT_TOKEN_FILE"),
		StateDir:      util.GetEnv("CONSULT_STATE_DIR", defaultStateDir()),
		DBDSN:         os.Getenv("CONSULT_DB_DSN"),
		StreamTimeout: util.ParseDurationEnv("CONSULT_STREAM_TIMEOUT", sse.DefaultTimeout),
		Debug:         util.ParseBoolEnv("CONSULT_DEBUG", false),
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	slog.Debug("environment variables loaded",
		"CONSULT_API_URL", config.APIURL,
		"CONSULT_API_PREFIX", config.APIPrefix,
		"CONSULT_TOKEN_SET", config.Token != "",
		"CONSULT_TOKEN_FILE", config.TokenFile,
		"CONSULT_STATE_DIR", config.StateDir,
		"CONSULT_DB_DSN_SET", config.DBDSN != "",
		"CONSULT_STREAM_TIMEOUT", config.StreamTimeout,
		"CONSULT_DEBUG", config.Debug)

	return config
}

// parseCommandLineFlags parses the global flags with environment defaults and
// returns the remaining arguments (the command and its flags).
func parseCommandLineFlags(config Config, args []string, output io.Writer) (Flags, []string, error) {
	var flags Flags
	fs := flag.NewFlagSet("consult", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&flags.apiURL, "api-url", config.APIURL, "backend base URL (overrides $CONSULT_API_URL)")
	fs.StringVar(&flags.apiPrefix, "api-prefix", config.APIPrefix, "API path prefix (overrides $CONSULT_API_PREFIX)")
	fs.StringVar(&flags.token, "token", config.Token, "bearer token (overrides $CONSULT_TOKEN)")
	fs.StringVar(&flags.tokenFile, "token-file", config.TokenFile, "file holding the bearer token, re-read per request (overrides $CONSULT_TOKEN_FILE)")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory (overrides $CONSULT_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DBDSN, "session cache DSN, SQLite path or postgres:// URL (overrides $CONSULT_DB_DSN)")
	fs.DurationVar(&flags.streamTimeout, "timeout", config.StreamTimeout, "ceiling on one analysis stream (overrides $CONSULT_STREAM_TIMEOUT)")
	fs.BoolVar(&flags.debug, "debug", config.Debug, "enable debug logging (overrides $CONSULT_DEBUG)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: consult [flags] analyze|list|show|toggle [command flags]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, nil, err
	}

	// Follow a changed state directory unless the DSN was set explicitly.
	if flags.dbDSN == config.DBDSN && config.DBDSN == filepath.Join(config.StateDir, DefaultDBFileName) && flags.stateDir != config.StateDir {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}

	return flags, fs.Args(), nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
}

// buildTokenProvider prefers an explicit token over a token file.
func buildTokenProvider(flags Flags) auth.TokenProvider {
	if flags.token == "" && flags.tokenFile != "" {
		return auth.FileToken{Path: flags.tokenFile}
	}
	return auth.StaticToken(flags.token)
}
