package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/NicolasHaas/gopresence/pkg/crypto"
	"github.com/NicolasHaas/gopresence/pkg/datastore"
	"github.com/NicolasHaas/gopresence/pkg/httpapi"
	"github.com/NicolasHaas/gopresence/pkg/logging"
	"github.com/NicolasHaas/gopresence/pkg/model"
	"github.com/NicolasHaas/gopresence/pkg/server"
	"github.com/NicolasHaas/gopresence/pkg/version"
)

func main() {
	configPath := flag.StringP("config", "c", os.Getenv("GOPRESENCE_CONFIG"), "YAML config file")
	httpAddr := flag.String("http", "", "HTTP API bind address")
	metricsAddr := flag.String("metrics", "", "HTTP bind address for Prometheus /metrics (empty to disable)")
	dbDriver := flag.String("db-driver", "", "Database driver: sqlite or postgres")
	dbDSN := flag.String("db", "", "SQLite file path or PostgreSQL connection string")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")

	genSecret := flag.Bool("gen-secret", false, "Print a random hex secret for keys.current and exit")
	purgeExpired := flag.Bool("purge-expired", false, "Mark overdue active QR sessions expired and exit")
	revokeAll := flag.Bool("revoke-all", false, "Revoke active QR sessions and exit")
	issuer := flag.Int64("issuer", 0, "With --revoke-all: only revoke sessions generated by this user id")
	exportSessions := flag.Bool("export-sessions", false, "Export all QR sessions as YAML and exit")
	issueJWT := flag.Int64("issue-jwt", 0, "Print a bearer token for this user id and exit")
	jwtRole := flag.String("jwt-role", "employee", "With --issue-jwt: role (employee, operator, admin)")
	jwtTTL := flag.Duration("jwt-ttl", 24*time.Hour, "With --issue-jwt: token lifetime")
	flag.Parse()

	if *showVersion {
		fmt.Println("gopresence", version.Full())
		return
	}
	if *genSecret {
		secret, err := crypto.GenerateSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(secret)
		return
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment values only when set.
	if flag.CommandLine.Changed("http") {
		cfg.HTTPAddr = *httpAddr
	}
	if flag.CommandLine.Changed("metrics") {
		cfg.MetricsAddr = *metricsAddr
	}
	if flag.CommandLine.Changed("db-driver") {
		cfg.DB.Driver = *dbDriver
	}
	if flag.CommandLine.Changed("db") {
		cfg.DB.DSN = *dbDSN
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flag.CommandLine.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging
	if _, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *issueJWT != 0 {
		auth, err := httpapi.NewAuthenticator([]byte(cfg.Auth.JWTSecret), time.Now)
		if err != nil {
			slog.Error("jwt authenticator", "err", err)
			os.Exit(1)
		}
		token, err := auth.Issue(*issueJWT, model.ParseRole(*jwtRole), *jwtTTL)
		if err != nil {
			slog.Error("issue jwt", "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx := context.Background()
	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		slog.Error("database config", "err", err)
		os.Exit(1)
	}
	st, err := datastore.Open(ctx, storeCfg)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	keys, err := cfg.Keyring()
	if err != nil {
		_ = st.Close()
		slog.Error("load signing keys", "err", err)
		os.Exit(1)
	}

	// Handle maintenance commands (run and exit)
	if *purgeExpired || *revokeAll || *exportSessions {
		code := runMaintenance(ctx, cfg, st, keys, maintenance{
			purge:    *purgeExpired,
			revoke:   *revokeAll,
			issuer:   *issuer,
			export:   *exportSessions,
			byIssuer: flag.CommandLine.Changed("issuer"),
		})
		_ = st.Close()
		os.Exit(code)
	}

	slog.Info("starting gopresence", "version", version.Full(), "driver", storeCfg.Driver)
	srv, err := server.New(cfg, server.Dependencies{Store: st, Keyring: keys})
	if err != nil {
		_ = st.Close()
		slog.Error("server setup", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

type maintenance struct {
	purge, revoke, export bool
	issuer                int64
	byIssuer              bool
}

func runMaintenance(ctx context.Context, cfg server.Config, st *datastore.ProviderFactory, keys *crypto.Keyring, m maintenance) int {
	if m.purge || m.revoke {
		srv, err := server.New(cfg, server.Dependencies{Store: st, Keyring: keys})
		if err != nil {
			slog.Error("server setup", "err", err)
			return 1
		}
		if m.purge {
			n, err := srv.Manager().PurgeExpired(ctx)
			if err != nil {
				slog.Error("purge expired sessions", "err", err)
				return 1
			}
			fmt.Printf("expired %d sessions\n", n)
		}
		if m.revoke {
			var issuerID *int64
			if m.byIssuer {
				issuerID = &m.issuer
			}
			n, err := srv.Manager().RevokeAll(ctx, issuerID)
			if err != nil {
				slog.Error("revoke sessions", "err", err)
				return 1
			}
			fmt.Printf("revoked %d sessions\n", n)
		}
	}
	if m.export {
		data, err := server.ExportSessionsYAML(ctx, st)
		if err != nil {
			slog.Error("export sessions", "err", err)
			return 1
		}
		fmt.Print(string(data))
	}
	return 0
}
