package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vpatelsj/exitnode/internal/config"
)

// Kind is what an invocation asks for.
type Kind int

const (
	KindHelp Kind = iota + 1
	KindListRegions
	KindListVMs
	KindBuild
)

func (k Kind) String() string {
	switch k {
	case KindHelp:
		return "help"
	case KindListRegions:
		return "list-regions"
	case KindListVMs:
		return "list-vms"
	case KindBuild:
		return "build"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Action is a classified command line.
type Action struct {
	Kind  Kind
	Build config.BuildRequest

	ConfigPath string
	LogJSON    bool
	Verbose    bool
}

// UsageError is an invalid command line. The caller prints the synopsis.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

type flags struct {
	list       string
	build      bool
	hostname   string
	region     string
	sshKey     string
	configPath string
	logJSON    bool
	verbose    bool
	help       bool
}

// register adds the flags to fs. -h is the hostname, so help is long-form
// only.
func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.list, "list", "", "list `regions` or vms")
	fs.BoolVar(&f.build, "build", false, "provision a new exit node VM")
	fs.StringVarP(&f.hostname, "hostname", "h", "", "VM and tailnet `name` (with --build)")
	fs.StringVarP(&f.region, "region", "r", "", "Azure `region`, e.g. eastus (with --build)")
	fs.StringVar(&f.sshKey, "ssh-key", "", "SSH public key `file` for the admin user (with --build)")
	fs.StringVar(&f.configPath, "config", "", "config `file` (default $XDG_CONFIG_HOME/exitnode/config.yaml)")
	fs.BoolVar(&f.logJSON, "log-json", false, "log in JSON")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVar(&f.help, "help", false, "show this help")
}

// ParseAction classifies args. It makes no external calls; every error it
// returns is a *UsageError.
func ParseAction(args []string) (Action, error) {
	var f flags
	fs := pflag.NewFlagSet("exitnode", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	f.register(fs)

	if err := fs.Parse(args); err != nil {
		return Action{}, &UsageError{Err: err}
	}
	return f.action(fs)
}

func (f *flags) action(fs *pflag.FlagSet) (Action, error) {
	a := Action{ConfigPath: f.configPath, LogJSON: f.logJSON, Verbose: f.verbose}

	if f.help {
		a.Kind = KindHelp
		return a, nil
	}
	if fs.NArg() > 0 {
		return Action{}, usageErrorf("unexpected argument %q", fs.Arg(0))
	}

	listSet := fs.Changed("list")
	var buildFlags []string
	for _, name := range []string{"hostname", "region", "ssh-key"} {
		if fs.Changed(name) {
			buildFlags = append(buildFlags, "--"+name)
		}
	}

	switch {
	case listSet && f.build:
		return Action{}, usageErrorf("--list and --build are mutually exclusive")
	case listSet && len(buildFlags) > 0:
		return Action{}, usageErrorf("%s cannot be used with --list", strings.Join(buildFlags, ", "))
	case listSet:
		switch f.list {
		case "regions":
			a.Kind = KindListRegions
		case "vms":
			a.Kind = KindListVMs
		default:
			return Action{}, usageErrorf("--list takes regions or vms, got %q", f.list)
		}
		return a, nil
	case f.build:
		a.Kind = KindBuild
		a.Build = config.BuildRequest{Hostname: f.hostname, Region: f.region, SSHKeyPath: f.sshKey}
		if err := a.Build.Validate().Err(); err != nil {
			return Action{}, &UsageError{Err: err}
		}
		return a, nil
	case len(buildFlags) > 0:
		return Action{}, usageErrorf("%s requires --build", strings.Join(buildFlags, ", "))
	default:
		return Action{}, usageErrorf("one of --list or --build is required")
	}
}

// newRootCommand returns the cobra command. Flag parsing is done by
// ParseAction; cobra supplies the usage text and the execution context.
func newRootCommand(run func(cmd *cobra.Command, a Action) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exitnode --list regions|vms | --build -h <hostname> -r <region> [--ssh-key <path>]",
		Short: "Provision Azure VMs as Tailscale exit nodes",
		Long: `exitnode lists Azure regions and VMs, and builds a VM that joins your
tailnet as an exit node. The Tailscale auth key is read from
TAILSCALE_AUTH_KEY or prompted for without echo.`,
		Example: `  exitnode --list regions
  exitnode --list vms
  exitnode --build -h exit-fra -r germanywestcentral --ssh-key ~/.ssh/id_ed25519.pub`,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ParseAction(args)
			if err != nil {
				return err
			}
			if a.Kind == KindHelp {
				fmt.Fprint(cmd.OutOrStdout(), cmd.UsageString())
				return nil
			}
			return run(cmd, a)
		},
	}
	var f flags
	f.register(cmd.Flags())
	cmd.Flags().SortFlags = false
	return cmd
}

// exitCode maps the error returned by the root command to a process exit
// status. It prints one diagnostic line, followed by the synopsis for usage
// errors.
func exitCode(cmd *cobra.Command, err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		fmt.Fprintln(stderr)
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return 1
}
