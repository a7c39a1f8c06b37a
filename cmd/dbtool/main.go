package main

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/config"
	"github.com/PortNumber53/ada-education/backend/internal/migrations"
)

func main() {
	log := logrus.New()

	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.LoadDatabase()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	log.SetLevel(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}

	if len(os.Args) < 2 {
		log.Info("applying migrations")
		if err := migrations.Up(db, log); err != nil {
			log.WithError(err).Fatal("failed to apply migrations")
		}
		log.Info("migrations applied successfully")
		return
	}

	switch os.Args[1] {
	case "fix":
		log.Info("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db, log); err != nil {
			log.WithError(err).Fatal("failed to fix dirty database")
		}
		log.Info("database fixed successfully")

	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: %s force <version>", os.Args[0])
		}
		v, err := strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}

		log.Infof("forcing database version to %d", v)
		if err := migrations.ForceVersion(db, uint(v)); err != nil {
			log.WithError(err).Fatal("failed to force version")
		}
		log.Infof("database version forced to %d", v)

	case "status":
		status, err := migrations.Version(db)
		if err != nil {
			log.WithError(err).Fatal("failed to read migration status")
		}
		if status.Fresh {
			log.Info("no migrations applied yet")
			return
		}
		log.WithFields(logrus.Fields{"version": status.Version, "dirty": status.Dirty}).Info("migration status")
		if status.Dirty {
			log.Warnf("run `%s fix` to recover the dirty version", os.Args[0])
		}

	default:
		log.Errorf("usage: %s [fix|force <version>|status]", os.Args[0])
		os.Exit(1)
	}
}
