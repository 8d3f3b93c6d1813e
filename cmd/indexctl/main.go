package main

import (
	"fmt"
	"io"
	"os"
)

const version = "v1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	command := args[0]

	var err error
	switch command {
	case "verify":
		err = runVerify(args[1:], stdout)
	case "dump":
		err = runDump(args[1:], stdout)
	case "latest":
		err = runLatest(args[1:], stdout)
	case "range":
		err = runRange(args[1:], stdout)
	case "rebuild":
		err = runRebuild(args[1:], stdout)
	case "status":
		err = runStatus(args[1:], stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "version", "--version", "-v":
		printVersion(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "indexctl %s: %v\n", command, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	usage := `indexctl - inspect and rebuild the event index

Usage:
  indexctl <command> [options]

Available Commands:
  verify <file>                             Open a PTable with full MD5 verification
  dump <file>                               Print every entry of a PTable
  latest <file> <stream>                    Print the newest entry of a stream
  range <file> <stream> <from> <to> [limit] Print a stream's entries in [from, to]
  rebuild -config <file>                    Build the index from the transaction log
  status -config <file>                     Report index health as JSON
  help                                      Show this help message
  version                                   Show version information

<stream> is a stream hash (decimal or 0x-prefixed) or a stream name.
`
	fmt.Fprint(w, usage)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "indexctl %s\n", version)
}
