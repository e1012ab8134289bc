// Package main provides the furrow pipeline CLI.
//
// The CLI compiles and runs pipeline documents and answers questions about
// finished runs: validate/run work from a pipeline file, explain/export
// work from the audit database.
package main

import (
	"fmt"
	"log"
	"os"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "furrow"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error

	switch command {
	case "validate":
		err = runValidate(args)
	case "run":
		err = runRun(args)
	case "explain":
		err = runExplain(args)
	case "export":
		err = runExport(args)
	case "version", "-version", "--version":
		fmt.Printf("%s v%s\n", name, version)

		return
	case "help", "-help", "--help":
		printUsage()

		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// printUsage displays usage information.
func printUsage() {
	fmt.Printf(`%s v%s - Auditable Pipeline Engine

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    validate  Compile a pipeline document and print the execution plan
    run       Execute a pipeline document
    explain   Derive row outcomes or one token's journey from the audit trail
    export    Write a run's audit trail as a signed JSONL bundle
    version   Show version information
    help      Show this help message

EXAMPLES:
    %s validate -config pipeline.yaml
    %s run -config pipeline.yaml
    %s explain -run 01J... -token 01J...
    %s export -run 01J... -dir ./exports -sign

ENVIRONMENT VARIABLES:
    LANDSCAPE_DATABASE_URL     PostgreSQL audit database (explain, export,
                               and run when landscape is enabled without
                               an explicit url)
    FURROW_EXPORT_SIGNING_KEY  HMAC key for export -sign and verification
    FURROW_LOG_LEVEL           debug, info, warn, or error (default info)
`, name, version, name, name, name, name, name)
}
