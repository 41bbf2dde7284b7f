// Command mailtrace reconstructs the path of an email across a fleet of
// SMTP relays from their syslog-style mail logs.
package main

import (
	"fmt"
	"os"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const usage = `mailtrace - trace email flow through mail server logs

Usage:
  mailtrace run     -c CONFIG -h HOST -k KEYWORD --time WHEN --time-range DURATION
  mailtrace graph   -c CONFIG -h HOST -k KEYWORD --time WHEN --time-range DURATION [-o PATH]
  mailtrace tracing -c CONFIG --otel-endpoint URL
  mailtrace doctor  -c CONFIG
  mailtrace serve   -c CONFIG [--listen ADDR]
  mailtrace version

Commands:
  run      trace and print the flow as human text (--interactive prompts per hop)
  graph    trace and emit a Graphviz DOT graph
  tracing  run the continuous pipeline, exporting OpenTelemetry traces
  doctor   validate the configured OpenSearch field mapping
  serve    expose trace scans over an HTTP API
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "graph":
		err = graphCmd(os.Args[2:])
	case "tracing":
		err = tracingCmd(os.Args[2:])
	case "doctor":
		err = doctorCmd(os.Args[2:])
	case "serve":
		err = serveCmd(os.Args[2:])
	case "version":
		fmt.Printf("mailtrace %s (%s, built %s)\n", version, commit, buildTime)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "mailtrace: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
