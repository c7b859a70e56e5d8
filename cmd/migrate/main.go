package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"LoanLedger/internal/observability"
	"LoanLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LOAN_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  LOAN_MIGRATIONS_DIR  - migrations directory (default: the embedded set)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	log := observability.NewLogger("migrate")

	pgURL := os.Getenv("LOAN_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/loanledger?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, os.Getenv("LOAN_MIGRATIONS_DIR"))

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		versions := make([]string, 0, len(status))
		for v := range status {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			state := "pending"
			if status[v] {
				state = "applied"
			}
			fmt.Printf("%s\t%s\n", v, state)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
