package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/spf13/cobra"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox <role>",
	Short: "Show the notifications delivered to a role",
	Long: `Show the notifications delivered to a role's inbox.

With --follow, keep printing new deliveries as they arrive (Ctrl+C to stop).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInbox,
}

var (
	inboxTypes  []string
	inboxFrom   string
	inboxSince  string
	inboxTail   int
	inboxFollow bool
)

func init() {
	rootCmd.AddCommand(inboxCmd)

	inboxCmd.Flags().StringSliceVarP(&inboxTypes, "type", "t", nil, "Only these message types (repeatable)")
	inboxCmd.Flags().StringVar(&inboxFrom, "from", "", "Only messages from this role")
	inboxCmd.Flags().StringVar(&inboxSince, "since", "", "Only messages newer than this duration (e.g., 1h, 30m)")
	inboxCmd.Flags().IntVarP(&inboxTail, "tail", "n", 0, "Keep only the most recent N messages (0 for all)")
	inboxCmd.Flags().BoolVarP(&inboxFollow, "follow", "f", false, "Keep printing new messages as they arrive")
}

func runInbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := mailbox.FilterOptions{From: inboxFrom, MaxMessages: inboxTail}
	for _, t := range inboxTypes {
		mt := mailbox.MessageType(t)
		if !mailbox.ValidateMessageType(mt) {
			return fmt.Errorf("unknown message type %q", t)
		}
		opts.Types = append(opts.Types, mt)
	}
	if inboxSince != "" {
		d, err := time.ParseDuration(inboxSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		opts.Since = time.Now().Add(-d)
	}

	out := cmd.OutOrStdout()
	mb := mailbox.NewMailbox(cfg.State.Dir)
	msgs, err := mb.Receive(args[0])
	if err != nil {
		return err
	}
	msgs = mailbox.Filter(msgs, opts)
	switch {
	case len(msgs) > 0:
		fmt.Fprint(out, mailbox.Format(msgs))
	case !inboxFollow:
		fmt.Fprintf(out, "No messages for %s\n", args[0])
	}

	if !inboxFollow {
		return nil
	}
	fmt.Fprintf(out, "Following inbox of %s... (Ctrl+C to stop)\n\n", args[0])
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return followInbox(ctx, out, mb, args[0], opts)
}

// followInbox prints each new delivery to roleID until ctx is done.
func followInbox(ctx context.Context, out io.Writer, mb *mailbox.Mailbox, roleID string, opts mailbox.FilterOptions) error {
	return mb.Follow(ctx, roleID, opts, func(msg mailbox.Message) {
		fmt.Fprint(out, mailbox.Format([]mailbox.Message{msg}))
	})
}
