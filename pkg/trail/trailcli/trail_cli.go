package trailcli

import (
	"context"
	"fmt"
	"io"

	"github.com/neuroplastio/mousetrail/pkg/trail"
	"github.com/spf13/cobra"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	cmd := NewRootCmd(func(cfg trail.Config) (runner, error) {
		t, err := trail.NewTrail(cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type runner interface {
	Run(ctx context.Context) error
	Close() error
}

type runnerFactory func(cfg trail.Config) (runner, error)

func NewRootCmd(newRunner runnerFactory) *cobra.Command {
	cfg := trail.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "mousetrail",
		Short: "Mouse Trail server",
		Long: `Mouse Trail captures hardware mouse deltas through the Windows Raw Input API
and streams them over WebSocket to the overlay, independent of where the cursor is.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Port < 1 || cfg.Port > 65535 {
				return fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
			}
			r, err := newRunner(cfg)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "WebSocket port")
	return cmd
}
