// Package cli implements the flowchat terminal client.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"flowchat/internal/interfaces"
)

// Session is an opened application as the commands see it.
type Session struct {
	Chat   interfaces.ChatService
	Models interfaces.ModelService
	// Background runs until ctx is done, typically the persistence loop. May be nil.
	Background func(ctx context.Context) error
	Close      func() error
}

// Env supplies the commands with their collaborators.
type Env struct {
	// Open loads configuration and storage. verbose raises the log level.
	Open func(verbose bool) (*Session, error)
	// Serve runs the HTTP server until interrupted and returns an exit code.
	Serve func() int
}

// NewRootCmd builds the command tree. Without a subcommand it starts the
// interactive chat.
func NewRootCmd(env Env) *cobra.Command {
	var verbose bool

	open := func() (*Session, error) {
		sess, err := env.Open(verbose)
		if err != nil {
			return nil, fmt.Errorf("failed to open flowchat: %w", err)
		}
		return sess, nil
	}

	rootCmd := &cobra.Command{
		Use:   "flowchat",
		Short: "Chat with an OpenAI-compatible model from the terminal",
		Long: `flowchat keeps a history of conversations and streams replies from an
OpenAI-compatible completions service.

Run without arguments to start the interactive chat.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, open, args)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newChatCmd(open),
		newServeCmd(env.Serve),
		newConversationsCmd(open),
		newModelsCmd(open),
	)
	return rootCmd
}

func newServeCmd(serve func() int) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := serve(); code != 0 {
				return fmt.Errorf("server exited with code %d", code)
			}
			return nil
		},
	}
}

// withSession opens a session, runs fn and closes the session again.
func withSession(open func() (*Session, error), fn func(*Session) error) (err error) {
	sess, err := open()
	if err != nil {
		return err
	}
	defer func() {
		if sess.Close == nil {
			return
		}
		if closeErr := sess.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close flowchat: %w", closeErr)
		}
	}()
	return fn(sess)
}
