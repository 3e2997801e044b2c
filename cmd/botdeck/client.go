package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jdelaire/botdeck/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const requestTimeout = 10 * time.Second

func newActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [token|-]",
		Short: "Validate a bot token and start polling",
		Long: `Activate sends a token to the running engine. With "-" the token is read
from stdin; without an argument telegram.token or the keychain is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := activationToken(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			raw, err := json.Marshal(core.ActivatePayload{Token: token})
			if err != nil {
				return err
			}
			var snap core.Snapshot
			if err := call(cmd.Context(), core.Request{Action: core.ActionActivate, Payload: raw}, &snap); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "connected as %s\n", accountName(snap.Account))
			return nil
		},
	}
}

func newDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Stop polling and discard the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), core.Request{Action: core.ActionDeactivate}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap core.Snapshot
			if err := call(cmd.Context(), core.Request{Action: core.ActionStatus}, &snap); err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			return render(cmd.OutOrStdout(), format, snap, func(w io.Writer) error {
				return writeStatus(w, snap)
			})
		},
	}
	cmd.Flags().String("format", "text", "Output format: text|json|yaml.")
	return cmd
}

func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List conversations, or show one conversation's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := core.Request{Action: core.ActionChats}
			if cmd.Flags().Changed("chat") {
				chatID, _ := cmd.Flags().GetInt64("chat")
				raw, err := json.Marshal(core.ChatsPayload{ChatID: &chatID})
				if err != nil {
					return err
				}
				req.Payload = raw
			}

			var data core.ChatsData
			if err := call(cmd.Context(), req, &data); err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			return render(cmd.OutOrStdout(), format, data, func(w io.Writer) error {
				if req.Payload != nil {
					return writeEntries(w, data.Entries)
				}
				return writeConversations(w, data.Conversations)
			})
		},
	}
	cmd.Flags().Int64("chat", 0, "Chat ID whose log to show.")
	cmd.Flags().String("format", "text", "Output format: text|json|yaml.")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all conversation logs held by the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), core.Request{Action: core.ActionClear}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "conversation logs cleared")
			return nil
		},
	}
}

// call sends req to the engine and decodes the response data into out.
func call(parent context.Context, req core.Request, out any) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, requestTimeout)
	defer cancel()

	resp, err := core.SendRequest(ctx, socketPath(), req)
	if err != nil {
		return fmt.Errorf("is \"botdeck run\" running? %w", err)
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func activationToken(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	if len(args) == 1 {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read token: %w", err)
		}
		if token := strings.TrimSpace(line); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("no token on stdin")
	}

	token, err := resolveToken()
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("no token given; pass one, set %s_TELEGRAM_TOKEN or keychain.account", envPrefix)
	}
	return token, nil
}

func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return text(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeStatus(w io.Writer, snap core.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "status:\t%s\n", snap.Status)
	if snap.Account != nil {
		fmt.Fprintf(tw, "bot:\t%s\n", accountName(snap.Account))
		fmt.Fprintf(tw, "cursor:\t%d\n", snap.Cursor)
	}
	return tw.Flush()
}

func writeConversations(w io.Writer, convs []core.Conversation) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "no conversations yet")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT ID\tTYPE\tNAME\tMESSAGES")
	for _, c := range convs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", c.Chat.ID, c.Chat.Type, c.Name, c.Entries)
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, entries []core.Entry) error {
	for _, e := range entries {
		line := e.SentAt.Local().Format("2006-01-02 15:04:05")
		if e.Sender != "" {
			line += "  " + e.Sender + ":"
		}
		line += " " + e.Text
		if e.Edited {
			line += " (edited)"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func accountName(a *core.Account) string {
	if a == nil {
		return "-"
	}
	if name := a.DisplayName(); name != "" {
		return name
	}
	return fmt.Sprintf("bot %d", a.ID)
}
