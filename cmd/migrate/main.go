// Command migrate applies the embedded goose migrations to DATABASE_URL.
//
//	migrate up           apply pending migrations
//	migrate down         roll back the latest migration
//	migrate status       list applied and pending migrations
//	migrate version      print the current schema version
//	migrate up-to N      apply up to and including version N
//	migrate down-to N    roll back to version N
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|status|version|up-to N|down-to N")
		os.Exit(2)
	}
	if err := run(context.Background(), logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, command string, args []string) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	p, err := migrations.Provider(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		res, err := p.Up(ctx)
		report(logger, res)
		return err
	case "down":
		res, err := p.Down(ctx)
		if res != nil {
			report(logger, []*goose.MigrationResult{res})
		}
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a version", command)
		}
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q: %w", args[0], err)
		}
		var res []*goose.MigrationResult
		if command == "up-to" {
			res, err = p.UpTo(ctx, v)
		} else {
			res, err = p.DownTo(ctx, v)
		}
		report(logger, res)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			logger.Info("migration", "version", st.Source.Version, "file", st.Source.Path, "state", string(st.State))
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func report(logger *slog.Logger, results []*goose.MigrationResult) {
	for _, r := range results {
		logger.Info("migration", "version", r.Source.Version, "direction", r.Direction, "duration", r.Duration)
	}
}
