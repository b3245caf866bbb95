package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("user", "", "user id to chat as (default cli:<login>)")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long:  "Runs the assistant in-process and streams its replies. Stop the daemon first when both use the jsonl history.",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func cliUser(flag string) types.UserID {
	if flag != "" {
		return types.UserID(flag)
	}
	name := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return types.UserID("cli:" + name)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	flag, _ := cmd.Flags().GetString("user")
	me := cliUser(flag)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a.start(ctx)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := a.shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	t, err := a.threads.Get(ctx, me)
	if err != nil {
		return err
	}
	stream, err := t.Stream()
	if err != nil {
		return err
	}
	defer stream.Close()

	out := newPrinter(os.Stdout)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintf(os.Stdout, "Chatting as %s. Ctrl-D to quit.\n", me)
	for {
		fmt.Fprint(os.Stdout, "> ")
		var text string
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(os.Stdout)
				return nil
			}
			text = strings.TrimSpace(line)
		case <-ctx.Done():
			fmt.Fprintln(os.Stdout)
			return nil
		}
		if text == "" {
			continue
		}

		run, err := a.gw.HandleInbound(ctx, me, text, "cli")
		if err != nil {
			return err
		}
		if err := follow(ctx, stream, types.MessageID(run.ID), out); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// follow prints the events of the turn started by source until it ends.
// The echo of the user message is skipped.
func follow(ctx context.Context, stream *runtime.Stream, source types.MessageID, out *printer) error {
	started := false
	for {
		ev, err := stream.Next(ctx, time.Minute)
		if errors.Is(err, runtime.ErrHeartbeat) {
			continue
		}
		if err != nil {
			return err
		}
		if st, ok := ev.(*event.Status); ok && st.Source == source {
			if st.Generating {
				started = true
				continue
			}
			out.endLine()
			return nil
		}
		if !started {
			continue
		}
		if _, ok := ev.(*event.User); ok {
			continue
		}
		out.live(ev)
	}
}
