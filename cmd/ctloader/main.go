// Package main provides the ctloader CLI: an ETL tool that loads
// ClinicalTrials.gov V2 API study records into a PostgreSQL warehouse.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ctgov-io/ctloader/internal/config"
	"github.com/ctgov-io/ctloader/internal/etl"
	"github.com/ctgov-io/ctloader/internal/extractor"
	"github.com/ctgov-io/ctloader/internal/warehouse"
	"github.com/ctgov-io/ctloader/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ctloader"
)

// ErrUnknownConnector is returned when the configured warehouse backend is
// not recognized.
var ErrUnknownConnector = errors.New("unknown connector")

func main() {
	showVersion := flag.Bool("version", false, "show version information")
	showHelp := flag.Bool("help", false, "show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(etl.ExitSuccess)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(etl.ExitSuccess)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		os.Exit(runCommand(args))
	case "migrate-db":
		os.Exit(migrateCommand(args))
	case "init-db":
		os.Exit(initCommand(args))
	case "status":
		os.Exit(statusCommand())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(etl.ExitFatal)
	}
}

// runCommand executes one ETL load run.
func runCommand(args []string) int {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	loadTypeArg := flags.String("load-type", string(etl.LoadTypeDelta), "load type: full or delta")
	connectorArg := flags.String("connector", "", "warehouse connector (default: config file or postgres)")
	_ = flags.Parse(args)

	logger := newLogger()

	loadType, err := etl.ParseLoadType(*loadTypeArg)
	if err != nil {
		logger.Error("Invalid load type", slog.String("error", err.Error()))

		return etl.ExitFatal
	}

	fileConfig, _ := config.LoadFileConfigFromEnv()

	apiConfig := extractor.LoadConfig(fileConfig)
	if err := apiConfig.Validate(); err != nil {
		logger.Error("Invalid API configuration", slog.String("error", err.Error()))

		return etl.ExitFatal
	}

	client, err := extractor.NewClient(apiConfig)
	if err != nil {
		logger.Error("Failed to create API client", slog.String("error", err.Error()))

		return etl.ExitFatal
	}

	dbConfig := warehouse.LoadConfig(fileConfig)

	conn, err := warehouse.NewConnection(dbConfig)
	if err != nil {
		logger.Error("Failed to connect to warehouse",
			slog.String("database_url", dbConfig.MaskDSN()),
			slog.String("error", err.Error()))

		return etl.ExitTransient
	}

	connectorName := config.Str("CTLOADER_CONNECTOR", fileConfig.Connector.Name, "postgres")
	if *connectorArg != "" {
		connectorName = *connectorArg
	}

	connector, err := newConnector(connectorName, conn)
	if err != nil {
		logger.Error("Failed to create connector",
			slog.String("connector", connectorName),
			slog.String("error", err.Error()))

		_ = conn.Close()

		return etl.ExitFatal
	}

	defer func() {
		_ = connector.Close()
	}()

	loadConfig := etl.LoadConfig(fileConfig)

	orchestrator, err := etl.NewOrchestrator(&etl.ClientSource{Client: client}, connector, loadConfig)
	if err != nil {
		logger.Error("Invalid load configuration", slog.String("error", err.Error()))

		return etl.ExitFatal
	}

	logger.Info("Configuration loaded",
		slog.String("base_url", apiConfig.BaseURL),
		slog.Int("page_size", apiConfig.PageSize),
		slog.String("database_url", dbConfig.MaskDSN()),
		slog.String("connector", connectorName),
		slog.Int("batch_size_rows", loadConfig.BatchSizeRows),
		slog.String("load_type", string(loadType)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := orchestrator.Run(ctx, loadType); err != nil {
		return etl.ExitCode(err)
	}

	return etl.ExitSuccess
}

// newConnector selects the warehouse backend. Only postgres is implemented;
// the indirection keeps the door open for other warehouses.
func newConnector(name string, conn *warehouse.Connection) (warehouse.Connector, error) {
	switch name {
	case "postgres":
		return warehouse.NewPostgresConnector(conn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, name)
	}
}

// migrateCommand dispatches schema migration subcommands.
func migrateCommand(args []string) int {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}

	runner, err := newRunner()
	if err != nil {
		log.Printf("Failed to create migration runner: %v", err)

		return etl.ExitFatal
	}

	defer func() {
		_ = runner.Close()
	}()

	switch action {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "status":
		err = runner.Status()
	case "drop":
		fmt.Print("WARNING: This will drop all tables. Are you sure? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response != "y" && response != "Y" {
			fmt.Println("Operation cancelled.")

			return etl.ExitSuccess
		}

		err = runner.Drop()
	default:
		log.Printf("unknown migrate-db action: %s (want up, down, status, or drop)", action)

		return etl.ExitFatal
	}

	if err != nil {
		log.Printf("Migration failed: %v", err)

		return etl.ExitTransient
	}

	return etl.ExitSuccess
}

// initCommand drops and recreates the warehouse schema. Destructive, so it
// refuses to run without --force.
func initCommand(args []string) int {
	flags := flag.NewFlagSet("init-db", flag.ExitOnError)
	force := flags.Bool("force", false, "confirm dropping and recreating all tables")
	_ = flags.Parse(args)

	if !*force {
		fmt.Fprintln(os.Stderr, "init-db drops all warehouse tables; re-run with --force to confirm")

		return etl.ExitFatal
	}

	runner, err := newRunner()
	if err != nil {
		log.Printf("Failed to create migration runner: %v", err)

		return etl.ExitFatal
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := runner.Drop(); err != nil {
		log.Printf("Failed to drop schema: %v", err)

		return etl.ExitTransient
	}

	if err := runner.Up(); err != nil {
		log.Printf("Failed to recreate schema: %v", err)

		return etl.ExitTransient
	}

	log.Println("Warehouse schema initialized")

	return etl.ExitSuccess
}

func newRunner() (*migrations.Runner, error) {
	fileConfig, _ := config.LoadFileConfigFromEnv()

	dbConfig := warehouse.LoadConfig(fileConfig)
	if err := dbConfig.Validate(); err != nil {
		return nil, err
	}

	return migrations.NewRunner(dbConfig.DSN())
}

// statusCommand prints the most recent run and the most recent successful run.
func statusCommand() int {
	fileConfig, _ := config.LoadFileConfigFromEnv()

	dbConfig := warehouse.LoadConfig(fileConfig)

	conn, err := warehouse.NewConnection(dbConfig)
	if err != nil {
		log.Printf("Failed to connect to warehouse: %v", err)

		return etl.ExitTransient
	}

	connector := warehouse.NewPostgresConnector(conn)

	defer func() {
		_ = connector.Close()
	}()

	ctx := context.Background()

	last, err := connector.LastLoadHistory(ctx)
	if err != nil {
		log.Printf("Failed to query load history: %v", err)

		return etl.ExitTransient
	}

	lastSuccess, err := connector.LastSuccessfulLoadHistory(ctx)
	if err != nil {
		log.Printf("Failed to query load history: %v", err)

		return etl.ExitTransient
	}

	printHistoryEntry("Last load", last)
	printHistoryEntry("Last successful load", lastSuccess)

	return etl.ExitSuccess
}

func printHistoryEntry(label string, entry *warehouse.LoadHistoryEntry) {
	if entry == nil {
		fmt.Printf("%s: none\n", label)

		return
	}

	fmt.Printf("%s: %s run_id=%s at %s\n",
		label, entry.Status, entry.RunID, entry.LoadTimestamp.Format("2006-01-02 15:04:05 MST"))

	if len(entry.Metrics) > 0 {
		fmt.Printf("  metrics: %s\n", string(entry.Metrics))
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - ClinicalTrials.gov Warehouse Loader

USAGE:
    %s [OPTIONS] COMMAND [COMMAND OPTIONS]

COMMANDS:
    run         Execute an ETL load run
                  --load-type full|delta   (default: delta)
                  --connector postgres     (default: postgres)
    migrate-db  Manage the warehouse schema: up, down, status, drop
    init-db     Drop and recreate the warehouse schema (requires --force)
    status      Show the last and last successful load runs

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL             PostgreSQL connection string (REQUIRED)
    CTGOV_API_BASE_URL       API base URL (default: https://clinicaltrials.gov/api/v2/studies)
    CTGOV_API_PAGE_SIZE      Studies per API page (default: 100, max: 1000)
    CTGOV_API_MAX_RETRIES    Retry attempts per page (default: 5)
    CTLOADER_BATCH_SIZE_ROWS Studies per staged flush (default: 5000)
    CTLOADER_CONFIG_PATH     Config file path (default: .ctloader.yaml)

EXAMPLES:
    %s migrate-db up            # Create the warehouse schema
    %s run --load-type full     # Load the entire study corpus
    %s run --load-type delta    # Load studies updated since the last success
    %s status                   # Show recent run outcomes
`, name, version, name, name, name, name, name)
}
