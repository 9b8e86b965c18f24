// Package main provides sessionctl, an operator CLI for the chat session
// store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/txn2/chat-session-store/pkg/client"
	"github.com/txn2/chat-session-store/pkg/history"
)

const defaultURL = "http://localhost:8001"

const usage = `sessionctl manages chat sessions in a running session store.

Usage:
  sessionctl [flags] list
  sessionctl [flags] read <session-id>
  sessionctl [flags] append <session-id> --role user|assistant --content TEXT
  sessionctl [flags] info <session-id>
  sessionctl [flags] delete <session-id>

Flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	url     string
	timeout time.Duration
	role    string
	content string
	desc    bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := options{url: os.Getenv("SESSION_SERVICE_URL")}
	if opts.url == "" {
		opts.url = defaultURL
	}

	flagSet := pflag.NewFlagSet("sessionctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.url, "url", opts.url, "Session store base URL (env SESSION_SERVICE_URL)")
	flagSet.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Request timeout")
	flagSet.StringVar(&opts.role, "role", string(history.RoleUser), "Message role for append")
	flagSet.StringVar(&opts.content, "content", "", "Message content for append")
	flagSet.BoolVar(&opts.desc, "desc", false, "Print messages newest first")
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	c, err := client.New(opts.url, client.WithTimeout(opts.timeout))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "list" {
		return list(ctx, c, stdout)
	}

	if len(cmdArgs) != 1 {
		return fmt.Errorf("%s: expected exactly one session id", cmd)
	}
	id := cmdArgs[0]

	switch cmd {
	case "read":
		return read(ctx, c, id, opts.desc, stdout)
	case "append":
		return appendMessage(ctx, c, id, opts, stdout)
	case "info":
		return info(ctx, c, id, stdout)
	case "delete":
		if err := c.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", id)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func list(ctx context.Context, c history.Store, w io.Writer) error {
	ids, err := c.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func read(ctx context.Context, c history.Store, id string, desc bool, w io.Writer) error {
	messages, err := c.Read(ctx, id)
	if err != nil {
		return err
	}
	if desc {
		slices.Reverse(messages)
	}
	for _, m := range messages {
		fmt.Fprintf(w, "%s  %-9s %s\n", m.Timestamp.Format(time.RFC3339), m.Role, strings.ReplaceAll(m.Content, "\n", `\n`))
	}
	return nil
}

func appendMessage(ctx context.Context, c history.Store, id string, opts options, w io.Writer) error {
	n, err := c.Append(ctx, id, history.Message{Role: history.Role(opts.role), Content: opts.content})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "appended to %s (%d messages)\n", id, n)
	return nil
}

func info(ctx context.Context, c history.Store, id string, w io.Writer) error {
	i, err := c.Info(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		SessionID    string     `json:"session_id"`
		MessageCount int        `json:"message_count"`
		TTL          string     `json:"ttl"`
		LastActivity *time.Time `json:"last_activity"`
		Active       bool       `json:"active"`
	}{i.SessionID, i.MessageCount, i.TTL.String(), i.LastActivity, i.Active()})
}
