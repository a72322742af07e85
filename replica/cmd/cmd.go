// Package cmd has the bcst-replica commands
package cmd

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
)

func init() {
	logger.ConfigPrefix = "BCST"
}

type CLI struct {
	Run      runCmd      `cmd:"" help:"Run a replica"`
	Simulate simulateCmd `cmd:"" help:"Run state transfer in an in-memory cluster and report the sources used"`
	Config   configCmd   `cmd:"" help:"Config file tools"`
	Version  versionCmd  `cmd:"" help:"Print version and build information"`
}

// AfterApply puts the logger in the context the commands run with
func (cli *CLI) AfterApply(kctx *kong.Context, ctx context.Context) error {
	log := logger.Setup()
	kctx.BindTo(logger.NewContext(ctx, log), (*context.Context)(nil))
	return nil
}

type versionCmd struct{}

func (cmd *versionCmd) Run() error {
	fmt.Printf("bcst-replica %s\n", version.Version())
	return nil
}
