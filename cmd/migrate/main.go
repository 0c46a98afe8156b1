// Command migrate applies the SQL files under migrations/ to the MySQL database.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/tiersync/internal/pkg/config"
	"github.com/ManuelReschke/tiersync/internal/pkg/env"
)

type command struct {
	usage string
	run   func(m *migrate.Migrate, args []string) error
}

var commands = map[string]command{
	"up": {"apply all pending migrations", func(m *migrate.Migrate, _ []string) error {
		return report(m.Up(), "migrations applied")
	}},
	"down": {"roll back the last migration", func(m *migrate.Migrate, _ []string) error {
		return report(m.Steps(-1), "last migration rolled back")
	}},
	"goto": {"migrate to version N", func(m *migrate.Migrate, args []string) error {
		if len(args) == 0 {
			return errors.New("goto needs a version number")
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return report(m.Migrate(uint(version)), fmt.Sprintf("migrated to version %d", version))
	}},
	"status": {"print the current migration version", status},
}

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		printUsage()
		os.Exit(1)
	}

	db, err := config.LoadDB()
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("[Migrate] %s@%s:%s/%s", db.User, db.Host, db.Port, db.Name)

	m, err := migrate.New("file://"+env.GetEnv("MIGRATIONS_PATH", "migrations"), db.MigrateURL())
	if err != nil {
		log.Fatalf("[Migrate] init: %v", err)
	}

	runErr := cmd.run(m, os.Args[2:])
	if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
		log.Warnf("[Migrate] close: %v, %v", sourceErr, dbErr)
	}
	if runErr != nil {
		log.Fatalf("[Migrate] %s: %v", os.Args[1], runErr)
	}
}

// report treats ErrNoChange as success.
func report(err error, done string) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("[Migrate] no change, database is up to date")
		return nil
	case err != nil:
		return err
	}
	log.Infof("[Migrate] %s", done)
	return nil
}

func status(m *migrate.Migrate, _ []string) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Info("[Migrate] no migrations applied yet")
		return nil
	}
	if err != nil {
		return err
	}
	if dirty {
		log.Warnf("[Migrate] version %d (dirty)", version)
		return nil
	}
	log.Infof("[Migrate] version %d", version)
	return nil
}

func printUsage() {
	fmt.Println("Usage: migrate <command> [args]")
	for _, name := range []string{"up", "down", "goto", "status"} {
		fmt.Printf("  %-7s %s\n", name, commands[name].usage)
	}
}
