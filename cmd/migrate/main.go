package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/outflow/outflow-backend/migrations"
	"github.com/outflow/outflow-backend/pkg/config"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/logger"
)

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (default: from configuration)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	cfg, err := config.Load(config.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("migrate", cfg.Server.Environment)

	if databaseURL == "" {
		databaseURL = cfg.Database.MigrationURL()
	}

	m, err := database.NewMigrator(databaseURL, migrations.FS, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create migrator")
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()

	case "down":
		err = m.Down()

	case "steps":
		n, convErr := intArg(args)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("usage: migrate steps <n>")
		}
		err = m.Steps(n)

	case "force":
		v, convErr := intArg(args)
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("usage: migrate force <version>")
		}
		err = m.Force(v)

	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			log.Fatal().Err(verr).Msg("failed to read version")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("current schema version")
		return

	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("migration failed")
	}
	log.Info().Str("command", command).Msg("migration finished")
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("missing argument")
	}
	return strconv.Atoi(args[1])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: migrate [-database-url URL] <command>

commands:
  up              apply all pending migrations
  down            roll back every migration
  steps <n>       apply n migrations, negative n rolls back
  force <version> mark version as applied without running it
  version         print the current schema version`)
}
