package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/docbind/internal/pool"
)

// PingResult is the payload of the ping command.
type PingResult struct {
	Backend string     `json:"backend"`
	DB      string     `json:"db"`
	Models  []string   `json:"models"`
	Stats   pool.Stats `json:"stats"`
}

func (r PingResult) String() string {
	return fmt.Sprintf("ok backend=%s db=%s models=%d size=%d available=%d waiting=%d",
		r.Backend, r.DB, len(r.Models), r.Stats.Size, r.Stats.Available, r.Stats.Waiting)
}

// NewPingCommand creates the ping command.
func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the database connection and show pool statistics",
		Long: `Acquire a pooled handle (connecting if none is idle), release it and
report the pool occupancy.

Example:
  docbind ping --config docbind.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(rootOpts, cmd)
		},
	}
	return cmd
}

func runPing(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	env, err := opts.openEnv(cmd, out)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	if err := env.Conn.Ping(ctx); err != nil {
		return out.Fail("ping failed", err)
	}

	return out.Success(PingResult{
		Backend: env.File.Backend.Kind,
		DB:      env.Conn.Options().DB,
		Models:  env.Models.Names(),
		Stats:   env.Conn.Stats(),
	})
}
