// Command docbind saves, loads and destroys model documents declared in a
// project file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/docbind/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
