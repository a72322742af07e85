// Package rootcmd parses the command line and runs the selected command
// with a context that is cancelled on SIGINT or SIGTERM.
package rootcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
)

// New builds the kong parser; commands can take a context.Context
// argument and use ${version} in help strings.
func New(ctx context.Context, cli any, name, description string, opts ...kong.Option) (*kong.Kong, error) {
	options := []kong.Option{
		kong.Name(name),
		kong.Description(description),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Vars{"version": version.Version()},
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.UsageOnError(),
	}
	return kong.New(cli, append(options, opts...)...)
}

func Run(cli any, name, description string) {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	parser, err := New(ctx, cli, name, description)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(2)
	}

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	err = kctx.Run()
	if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		return
	}
	logger.Setup().Error("command failed", "command", kctx.Command(), "err", err)
	cancel()
	os.Exit(1)
}
