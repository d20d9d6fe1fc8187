package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModelsCmd(open func() (*Session, error)) *cobra.Command {
	list := func(cmd *cobra.Command, args []string) error {
		return withSession(open, func(sess *Session) error {
			models, err := sess.Models.List(cmd.Context())
			if err != nil {
				return err
			}
			selected := sess.Models.Selected()
			out := cmd.OutOrStdout()
			for _, m := range models {
				marker := " "
				if m.ID == selected {
					marker = "*"
				}
				if m.Description != "" {
					fmt.Fprintf(out, "%s %-20s %s: %s\n", marker, m.ID, m.Name, m.Description)
				} else {
					fmt.Fprintf(out, "%s %s\n", marker, m.ID)
				}
			}
			return nil
		})
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List or select models",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	modelsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List available models",
			Args:  cobra.NoArgs,
			RunE:  list,
		},
		&cobra.Command{
			Use:   "select <model>",
			Short: "Select the model used for new replies",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(open, func(sess *Session) error {
					if err := sess.Models.Select(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\n", args[0])
					return nil
				})
			},
		},
	)
	return modelsCmd
}
