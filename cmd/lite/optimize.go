package main

import (
	"github.com/spf13/cobra"

	"github.com/born-ml/lite/internal/model"
	"github.com/born-ml/lite/internal/pass"
)

func newOptimizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize <model.yaml>",
		Short: "Run the pass pipeline and print the resulting graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.Load(args[0])
			if err != nil {
				return err
			}
			mgr := pass.NewManager(
				pass.WithLogger(a.log),
				pass.WithFlags(a.cfg.Flags()),
				pass.WithMaxIterations(a.cfg.MaxIterations),
			)
			if err := mgr.AddNamed(true, a.cfg.PrePasses...); err != nil {
				return err
			}
			if err := mgr.AddNamed(false, a.cfg.Passes...); err != nil {
				return err
			}
			res, err := mgr.Run(cmd.Context(), m.Graph)
			if err != nil {
				return err
			}
			cmd.Printf("# %s passes=%v modified=%t\n", m.Name, mgr.Passes(), res.Modified)
			cmd.Print(m.Graph.String())
			return nil
		},
	}
}
