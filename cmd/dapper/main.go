package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnsquire/dapper/commands"
	adapter "github.com/jnsquire/dapper/dap"
	"github.com/jnsquire/dapper/proc/scripted"
	"github.com/jnsquire/dapper/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Exit codes: 0 normal termination, 2 invalid arguments, 3 transport
// bind failure, 4 unrecoverable internal error.
const (
	exitOK       = 0
	exitUsage    = 2
	exitBind     = 3
	exitInternal = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := commands.NewRootCmd("dapper", scripted.New())
	cmd.SetContext(ctx)

	err := cmd.Execute()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}

	var usageErr *commands.UsageError
	switch {
	case errors.As(err, &usageErr):
		logrus.Error(err)
		return exitUsage
	case errors.Is(err, transport.ErrBind):
		logrus.Error(err)
		return exitBind
	case errors.Is(err, adapter.ErrAdapterFault):
		logrus.Error(err)
		return exitInternal
	default:
		logrus.Error(err)
		return exitInternal
	}
}
