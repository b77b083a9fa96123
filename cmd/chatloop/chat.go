package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/martinemde/chatloop/agentloop"
	"github.com/martinemde/chatloop/config"
	"github.com/martinemde/chatloop/reducer"
	"github.com/martinemde/chatloop/server"
)

var (
	chatServerURL string
	chatSessionID string
)

func init() {
	chatCmd.Flags().StringVar(&chatServerURL, "server", "http://localhost:8080", "chatloop server URL")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "continue an existing session")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server from the terminal",
	Long: `chat sends each line you type to the server and prints the streamed
reply. Press Ctrl-C while a reply is streaming to stop the run; type /quit
or send EOF to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger, _ := config.NewLogger(cmd.ErrOrStderr(), "warn")
		client := newAPIClient(chatServerURL, logger)
		return runChat(ctx, client, chatSessionID, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runChat(ctx context.Context, client *apiClient, sessionID string, in io.Reader, out io.Writer) error {
	if sessionID == "" {
		sess, err := client.createSession(ctx, "")
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
		fmt.Fprintf(out, "Session %s\n", sessionID)
	} else {
		sess, err := client.getSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		fmt.Fprintf(out, "Session %s: %s\n", sess.ID, sess.Title)
		history := &transcript{w: out, showUser: true}
		history.update(reducer.FromRecords(sess.Records))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "you> ")
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
		}
		if err := chatTurn(ctx, client, sessionID, line, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// chatTurn streams one reply. An interrupt during the stream asks the
// server to stop the run and finalizes the display.
func chatTurn(ctx context.Context, client *apiClient, sessionID, message string, out io.Writer) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	var stopped atomic.Bool
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sig:
			stopped.Store(true)
			if err := client.stop(ctx, sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
			}
		case <-finished:
		}
	}()

	t := &transcript{w: out}
	var st reducer.State
	err := client.stream(ctx, server.ChatRequest{SessionID: sessionID, Message: message}, func(ev agentloop.Event) {
		st = reducer.Reduce(st, ev)
		t.update(st)
	})
	if stopped.Load() {
		st = reducer.Stop(st)
		t.update(st)
	}
	t.finish()
	return err
}
