package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/model"
	"flowchat/internal/service"
)

const chatHelp = `Commands:
  /new     start a new conversation
  /list    list conversations
  /model   show the selected model
  /quit    leave (Ctrl-D works too)
Ctrl-C aborts a reply that is being generated.`

func newChatCmd(open func() (*Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat interactively, or send a single message",
		Long: `Without arguments, chat reads messages line by line and prints each reply
as it streams in. With arguments, they are sent as one message and the
command exits after the reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, open, args)
		},
	}
}

func runChat(cmd *cobra.Command, open func() (*Session, error), args []string) error {
	return withSession(open, func(sess *Session) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		if sess.Background != nil {
			g.Go(func() error { return sess.Background(gctx) })
		}
		g.Go(func() error {
			defer cancel()
			if len(args) > 0 {
				return sendOne(gctx, cmd.OutOrStdout(), sess, strings.Join(args, " "))
			}
			return repl(gctx, cmd.InOrStdin(), cmd.OutOrStdout(), sess)
		})
		return g.Wait()
	})
}

func repl(ctx context.Context, in io.Reader, out io.Writer, sess *Session) error {
	fmt.Fprintf(out, "flowchat (%s). Type /help for commands.\n", sess.Models.Selected())
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case "/new":
			c := sess.Chat.CreateConversation(ctx)
			fmt.Fprintf(out, "Started conversation %s\n", c.ID)
			continue
		case "/list":
			printConversations(out, sess.Chat.ListConversations(ctx), sess.Chat.Session().ActiveConversationID)
			continue
		case "/model":
			fmt.Fprintln(out, sess.Models.Selected())
			continue
		}
		if err := sendOne(ctx, out, sess, line); err != nil {
			if errors.Is(err, app_errors.ErrBusy) || errors.Is(err, app_errors.ErrValidation) {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			return err
		}
	}
}

// sendOne runs one turn and prints each batch as it is flushed. An interrupt
// aborts the turn instead of the program.
func sendOne(ctx context.Context, out io.Writer, sess *Session, content string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := sess.Chat.Send(turnCtx, content, printEvent(out))
	if err != nil {
		return err
	}
	if result.State == service.TurnFailed {
		fmt.Fprintln(out, result.Error)
	}
	return nil
}

// printEvent writes deltas as they arrive and ends the reply with a newline.
func printEvent(out io.Writer) service.Observer {
	return func(ev model.StreamResponse) {
		switch ev.Type {
		case model.EventDelta:
			fmt.Fprint(out, ev.Content)
		case model.EventDone:
			fmt.Fprintln(out)
		case model.EventError:
			// A failed reply may have printed part of itself already.
			fmt.Fprintln(out)
		}
	}
}
