package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xiaonanln/shieldmesh/config"
	"github.com/xiaonanln/shieldmesh/record"
	"github.com/xiaonanln/shieldmesh/util/postgres"
)

const (
	commandInit   = "init"
	commandVerify = "verify"
	commandReset  = "reset"
	commandStatus = "status"
)

// Must match util/postgres/db.go:InitSchema()
const (
	tableRecords  = "shieldmesh_records"
	tableCursors  = "shieldmesh_sync_cursors"
	dropSchemaSQL = `
		DROP TABLE IF EXISTS shieldmesh_sync_cursors CASCADE;
		DROP TABLE IF EXISTS shieldmesh_records CASCADE;
	`
)

var (
	tables  = []string{tableRecords, tableCursors}
	indexes = map[string][]string{
		tableRecords: {"idx_shieldmesh_records_family_updated"},
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		host       = flag.String("host", "localhost", "PostgreSQL host")
		port       = flag.Int("port", 5432, "PostgreSQL port")
		user       = flag.String("user", "shieldmesh", "PostgreSQL user")
		password   = flag.String("password", "shieldmesh", "PostgreSQL password")
		database   = flag.String("database", "shieldmesh", "PostgreSQL database")
		sslmode    = flag.String("sslmode", "disable", "PostgreSQL SSL mode")
		yes        = flag.Bool("yes", false, "Skip the confirmation prompt of reset")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "PostgreSQL management tool for the shieldmesh sync store.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  init     Create the record and cursor tables\n")
		fmt.Fprintf(os.Stderr, "  verify   Verify connection and schema\n")
		fmt.Fprintf(os.Stderr, "  reset    Drop and recreate the schema (WARNING: deletes all records and cursors)\n")
		fmt.Fprintf(os.Stderr, "  status   Show record counts per family and cursor count\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config shieldmesh.yml init\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --host db --user shieldmesh --database shieldmesh status\n", os.Args[0])
	}

	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: command required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	if !validCommand(command) {
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		flag.Usage()
		os.Exit(1)
	}

	pgConfig := &postgres.Config{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		Database: *database,
		SSLMode:  *sslmode,
	}
	if *configFile != "" {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
		pgConfig = &cfg.Postgres
	}

	a := &admin{config: pgConfig, out: os.Stdout, in: os.Stdin, confirmed: *yes}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.run(ctx, command); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func validCommand(command string) bool {
	switch command {
	case commandInit, commandVerify, commandReset, commandStatus:
		return true
	}
	return false
}

type admin struct {
	config    *postgres.Config
	out       io.Writer
	in        io.Reader
	confirmed bool
}

func (a *admin) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *admin) run(ctx context.Context, command string) error {
	if !validCommand(command) {
		return fmt.Errorf("unknown command: %s", command)
	}

	db, err := postgres.NewDB(a.config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	a.printf("PostgreSQL %s:%d/%s (user %s)\n", a.config.Host, a.config.Port, a.config.Database, a.config.User)
	start := time.Now()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	a.printf("✓ Connected (latency: %v)\n", time.Since(start))

	switch command {
	case commandInit:
		return a.initSchema(ctx, db)
	case commandVerify:
		return a.verify(ctx, db)
	case commandReset:
		return a.reset(ctx, db)
	default:
		return a.status(ctx, db)
	}
}

func (a *admin) initSchema(ctx context.Context, db *postgres.DB) error {
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	for _, table := range tables {
		exists, err := tableExists(ctx, db, table)
		if err != nil {
			return fmt.Errorf("failed to verify table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("table '%s' was not created", table)
		}
		a.printf("✓ Table '%s' ready\n", table)
	}
	return nil
}

func (a *admin) verify(ctx context.Context, db *postgres.DB) error {
	missing := 0
	for _, table := range tables {
		exists, err := tableExists(ctx, db, table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			a.printf("✗ Table '%s' does not exist\n", table)
			missing++
			continue
		}
		a.printf("✓ Table '%s' exists\n", table)
		for _, idx := range indexes[table] {
			ok, err := indexExists(ctx, db, table, idx)
			if err != nil {
				return fmt.Errorf("failed to check index %s: %w", idx, err)
			}
			if !ok {
				a.printf("✗ Index '%s' does not exist\n", idx)
				missing++
				continue
			}
			a.printf("✓ Index '%s' exists\n", idx)
		}
	}
	if missing > 0 {
		a.printf("\nSchema is incomplete. Run 'init' to create it.\n")
		return fmt.Errorf("schema verification failed: %d objects missing", missing)
	}
	return nil
}

func (a *admin) reset(ctx context.Context, db *postgres.DB) error {
	if !a.confirmed {
		a.printf("WARNING: this deletes every synchronized record and sync cursor.\n")
		a.printf("Are you sure you want to continue? (yes/no): ")
		scanner := bufio.NewScanner(a.in)
		if !scanner.Scan() {
			return fmt.Errorf("failed to read input")
		}
		if strings.ToLower(strings.TrimSpace(scanner.Text())) != "yes" {
			a.printf("Operation cancelled.\n")
			return nil
		}
	}

	if _, err := db.Connection().ExecContext(ctx, dropSchemaSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	a.printf("✓ Dropped existing tables\n")
	return a.initSchema(ctx, db)
}

func (a *admin) status(ctx context.Context, db *postgres.DB) error {
	if err := a.verify(ctx, db); err != nil {
		return err
	}

	counts, err := familyCounts(ctx, db)
	if err != nil {
		return err
	}
	a.printf("\nRecords:\n")
	for _, family := range record.Families {
		a.printf("  %-10s %d\n", family, counts[family])
	}

	var cursors int64
	var newest *int64
	err = db.Connection().QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(last_sync) FROM "+tableCursors).Scan(&cursors, &newest)
	if err != nil {
		return fmt.Errorf("failed to count cursors: %w", err)
	}
	a.printf("\nSync cursors: %d\n", cursors)
	if newest != nil {
		a.printf("Latest sync:  %s\n", time.UnixMilli(*newest).UTC().Format(time.RFC3339))
	}
	return nil
}

// familyCounts returns the number of stored records of every family
func familyCounts(ctx context.Context, db *postgres.DB) (map[record.Family]int64, error) {
	rows, err := db.Connection().QueryContext(ctx,
		"SELECT family, COUNT(*) FROM "+tableRecords+" GROUP BY family")
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.Family]int64, len(record.Families))
	for rows.Next() {
		var family string
		var n int64
		if err := rows.Scan(&family, &n); err != nil {
			return nil, err
		}
		counts[record.Family(family)] = n
	}
	return counts, rows.Err()
}

func tableExists(ctx context.Context, db *postgres.DB, tableName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`
	err := db.Connection().QueryRowContext(ctx, query, tableName).Scan(&exists)
	return exists, err
}

func indexExists(ctx context.Context, db *postgres.DB, tableName, indexName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM pg_indexes
			WHERE schemaname = 'public'
			AND tablename = $1
			AND indexname = $2
		)
	`
	err := db.Connection().QueryRowContext(ctx, query, tableName, indexName).Scan(&exists)
	return exists, err
}
