package commands

import (
	"strings"

	adapter "github.com/jnsquire/dapper/dap"
	"github.com/jnsquire/dapper/proc"
	"github.com/jnsquire/dapper/transport"
	"github.com/jnsquire/dapper/util/logutil"
	"github.com/jnsquire/dapper/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// UsageError marks invalid command-line input so main can exit with
// the documented status.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

type rootOptions struct {
	port     uint16
	host     string
	pipe     string
	stdio    bool
	logLevel string
}

// NewRootCmd builds the adapter command. The runtime is provided by
// the embedder; the standalone binary wires in the scripted runtime.
func NewRootCmd(name string, rt proc.Runtime) *cobra.Command {
	var opts rootOptions

	v := viper.New()
	v.SetEnvPrefix("DAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           name,
		Short:         "Debug adapter protocol server",
		Version:       version.Version,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &UsageError{Err: errors.Errorf("unknown argument: %q", args[0])}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			lvl, err := logrus.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return &UsageError{Err: err}
			}
			logrus.SetLevel(lvl)
			logrus.SetFormatter(&logutil.Formatter{})

			logrus.AddHook(logutil.NewFilter([]logrus.Level{
				logrus.DebugLevel,
			},
				"cannot rearm thread",
				"pause interrupt failed",
				"tracer uninstall failed",
			))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.stdio && (opts.pipe != "" || cmd.Flags().Changed("port")) {
				return &UsageError{Err: errors.New("--stdio excludes --pipe and --port")}
			}
			if opts.pipe != "" && cmd.Flags().Changed("port") {
				return &UsageError{Err: errors.New("--pipe excludes --port")}
			}

			spec := transport.Spec{
				Mode: transport.ModeListen,
				Host: opts.host,
				Port: v.GetInt("port"),
				Pipe: opts.pipe,
			}
			if opts.stdio {
				spec = transport.Spec{Mode: transport.ModeStdio}
			}
			return serve(cmd, rt, spec)
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&opts.port, "port", 0, "TCP listen port (0 picks an ephemeral port)")
	flags.StringVar(&opts.host, "host", "127.0.0.1", "bind host")
	flags.StringVar(&opts.pipe, "pipe", "", "listen on a local socket or named pipe instead of TCP")
	flags.BoolVar(&opts.stdio, "stdio", false, "use standard streams")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})
	return cmd
}

func serve(cmd *cobra.Command, rt proc.Runtime, spec transport.Spec) error {
	ctx := cmd.Context()

	stream, err := transport.Open(ctx, spec)
	if err != nil {
		return err
	}

	conn := adapter.NewConn(stream, stream)
	defer conn.Close()
	defer stream.Close()

	logrus.WithField("endpoint", spec.String()).Debug("session starting")
	return adapter.New(rt).Serve(ctx, conn)
}
