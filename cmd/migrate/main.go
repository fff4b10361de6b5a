package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"aegis.dev/internal/migrate"
	"aegis.dev/internal/store/sqlite"
)

func main() {
	log.SetFlags(0)
	var (
		dsn        = flag.String("dsn", os.Getenv("AEGIS_PG_DSN"), "PostgreSQL DSN")
		sqlitePath = flag.String("sqlite", os.Getenv("AEGIS_SQLITE_PATH"), "SQLite database file (used when no DSN is given)")
		seedsPath  = flag.String("seeds", "", "Directory with *.sql seed files")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *dsn == "" {
		if *sqlitePath == "" {
			log.Fatal("missing DSN: provide -dsn / AEGIS_PG_DSN or -sqlite / AEGIS_SQLITE_PATH")
		}
		if flag.Arg(0) != "up" {
			log.Fatalf("sqlite supports only %q", "up")
		}
		// Open applies the bundled schema.
		s, err := sqlite.Open(ctx, *sqlitePath)
		if err != nil {
			log.Fatalf("migrate sqlite: %v", err)
		}
		_ = s.Close()
		fmt.Println("sqlite schema up to date")
		return
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.ForPostgres(db, seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if seeds == nil {
			log.Fatal("seed requires -seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
