package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bastion.dev/internal/migrate"
	"bastion.dev/internal/obs"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("BASTION_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: bundled)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (default: bundled)")
	)
	flag.Parse()
	log := obs.Logger()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BASTION_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	migrations, seeds := migrate.Bundled()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	if err := run(ctx, migrate.NewManager(db, migrations, seeds, migrate.WithLogger(log)), flag.Arg(0)); err != nil {
		log.WithError(err).WithField("command", flag.Arg(0)).Fatal("migrate failed")
	}
}

func run(ctx context.Context, mgr *migrate.Manager, cmd string) error {
	switch cmd {
	case "up":
		n, err := mgr.Up(ctx)
		fmt.Printf("applied %d migration(s)\n", n)
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if err == nil {
			fmt.Printf("rolled back %s\n", name)
		}
		return err
	case "seed":
		n, err := mgr.Seed(ctx)
		fmt.Printf("applied %d seed(s)\n", n)
		return err
	case "status":
		history, err := mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
