// Package main provides the schema migration tool for the furrow audit
// database. The schema ships embedded in the binary; every state-changing
// command validates the embedded set before touching the database, and the
// validate command runs without a database at all.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/furrow-io/furrow/migrations"
)

// Build information, injected via ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const toolName = "migrator"

// migrationRunner is the operation set the command dispatcher drives. Split
// from Runner so dispatch can be tested without a database.
type migrationRunner interface {
	Up() error
	Down() error
	Status() error
	Version() error
	Drop() error
	Close() error
}

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		printVersionInfo()
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	command := flag.Arg(0)

	// validate inspects only the embedded set.
	if command == "validate" {
		if err := runValidate(os.Stdout); err != nil {
			log.Fatalf("Validation failed: %v", err)
		}

		return
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer func() {
		if err := runner.Close(); err != nil {
			log.Printf("Failed to close migration runner: %v", err)
		}
	}()

	if err := executeCommand(command, runner, os.Stdin); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand dispatches one migration command. Drop asks for
// confirmation on the given reader before destroying anything.
func executeCommand(command string, runner migrationRunner, confirm io.Reader) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		fmt.Print("WARNING: this drops the entire audit schema and every recorded run. Continue? (y/N): ")

		var response string
		if _, err := fmt.Fscanln(confirm, &response); err != nil {
			response = ""
		}

		if response != "y" && response != "Y" {
			fmt.Println("Drop cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runValidate checks the embedded migration set and prints its inventory
// with content checksums.
func runValidate(out io.Writer) error {
	if err := migrations.Validate(); err != nil {
		return err
	}

	names, err := migrations.List()
	if err != nil {
		return err
	}

	sums, err := migrations.Checksums()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Embedded audit schema is valid: %d files, schema v%03d\n",
		len(names), migrations.MaxVersion())

	for _, name := range names {
		fmt.Fprintf(out, "  %s  %s\n", sums[name][:12], name)
	}

	return nil
}

func printVersionInfo() {
	fmt.Printf("%s %s\n", toolName, Version)
	fmt.Printf("  commit: %s\n", GitCommit)
	fmt.Printf("  built:  %s\n", BuildTime)
	fmt.Printf("  schema: v%03d\n", migrations.MaxVersion())
}

func printUsage() {
	fmt.Printf(`%s - migration tool for the furrow audit database

Usage:
  %s [flags] <command>

Commands:
  up        Apply all pending migrations
  down      Roll back the most recent migration
  status    Show the current schema version and pending migrations
  version   Show the current schema version
  validate  Check the embedded migration set (no database required)
  drop      Drop the entire schema (asks for confirmation)

Flags:
  -help     Show this help
  -version  Show version information

Environment:
  LANDSCAPE_DATABASE_URL  PostgreSQL connection URL (required)
  MIGRATION_TABLE         Schema version table (default: schema_migrations)
`, toolName, toolName)
}
