// Package cli parses portguard's command line.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

type Command string

const (
	CommandRun      Command = "run"
	CommandShutdown Command = "shutdown"
	CommandStatus   Command = "status"
	CommandDoctor   Command = "doctor"
	CommandVersion  Command = "version"
	CommandHelp     Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRun:      {},
	CommandShutdown: {},
	CommandStatus:   {},
	CommandDoctor:   {},
	CommandVersion:  {},
	CommandHelp:     {},
}

// Parsed is the result of one command line. Zero Host/Port mean "use config".
type Parsed struct {
	Command    Command
	ConfigPath string
	Host       string
	Port       int
	Verbose    bool
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	var (
		parsed      Parsed
		showHelp    bool
		showVersion bool
	)

	fs := pflag.NewFlagSet("portguard", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.StringVar(&parsed.ConfigPath, "config", "", "config file path")
	fs.StringVar(&parsed.Host, "host", "", "control host override")
	fs.IntVarP(&parsed.Port, "port", "p", 0, "control port override")
	fs.BoolVarP(&parsed.Verbose, "verbose", "v", false, "debug logging")
	fs.BoolVarP(&showHelp, "help", "h", false, "show help")
	fs.BoolVar(&showVersion, "version", false, "show version")

	if err := fs.Parse(args); err != nil {
		return Parsed{}, err
	}
	if parsed.Port < 0 || parsed.Port > 65535 {
		return Parsed{}, fmt.Errorf("--port must be within 0..65535, got %d", parsed.Port)
	}

	rest := fs.Args()
	switch {
	case showHelp:
		parsed.Command = CommandHelp
	case showVersion:
		parsed.Command = CommandVersion
	case len(rest) == 0:
		parsed.Command = CommandHelp
	}

	if len(rest) > 0 {
		cmd := Command(rest[0])
		if _, ok := validCommands[cmd]; !ok {
			return Parsed{}, fmt.Errorf("unknown command: %s", rest[0])
		}
		if len(rest) > 1 {
			return Parsed{}, fmt.Errorf("unexpected arguments after command %q", rest[0])
		}
		if parsed.Command == "" {
			parsed.Command = cmd
		}
	}

	parsed.ShowHelp = parsed.Command == CommandHelp
	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] <command>

Commands:
  run       Take over the control port and serve shutdown requests
  shutdown  Ask the instance on the control port to shut down
  status    Report whether the control port is owned and by whom
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH    Config file path (default: $XDG_CONFIG_HOME/portguard/config.jsonc)
  --host HOST      Control host (overrides control.host)
  -p, --port PORT  Control port (overrides control.port)
  -v, --verbose    Log at debug level
  -h, --help       Show help
  --version        Show version

Environment:
  PORTGUARD_PASSWORD  Overrides remote_shutdown.password
`, binaryName)
}
