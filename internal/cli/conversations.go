package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"flowchat/internal/model"
)

func newConversationsCmd(open func() (*Session, error)) *cobra.Command {
	list := func(cmd *cobra.Command, args []string) error {
		return withSession(open, func(sess *Session) error {
			printConversations(cmd.OutOrStdout(), sess.Chat.ListConversations(cmd.Context()), sess.Chat.Session().ActiveConversationID)
			return nil
		})
	}

	conversationsCmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage saved conversations",
		Args:    cobra.NoArgs,
		RunE:    list,
	}

	conversationsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List conversations, most recent first",
			Args:  cobra.NoArgs,
			RunE:  list,
		},
		&cobra.Command{
			Use:   "show <conversation-id>",
			Short: "Print a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(open, func(sess *Session) error {
					c, err := sess.Chat.GetConversation(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					printConversation(cmd.OutOrStdout(), c)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "select <conversation-id>",
			Short: "Make a conversation the active one",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(open, func(sess *Session) error {
					if err := sess.Chat.SelectConversation(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:     "delete <conversation-id>",
			Aliases: []string{"rm"},
			Short:   "Delete a conversation",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(open, func(sess *Session) error {
					if err := sess.Chat.DeleteConversation(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
					return nil
				})
			},
		},
	)
	return conversationsCmd
}

func printConversations(out io.Writer, conversations []model.Conversation, activeID *string) {
	if len(conversations) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return
	}
	for _, c := range conversations {
		marker := " "
		if activeID != nil && *activeID == c.ID {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s  %-50s  %3d messages  %s\n",
			marker, c.ID, c.Title, len(c.Messages), c.UpdatedAt.Local().Format(time.DateTime))
	}
}

func printConversation(out io.Writer, c *model.Conversation) {
	fmt.Fprintf(out, "%s (%s)\n%s\n", c.Title, c.Model, strings.Repeat("-", 50))
	for _, m := range c.Messages {
		fmt.Fprintf(out, "[%s] %s\n\n", m.Role, m.Content)
	}
}
