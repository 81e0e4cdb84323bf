package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/antoniostano/recall/internal/app"
	"github.com/antoniostano/recall/internal/conversation"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal",
	Long: `Chat in the terminal. Commands:
  /user <id>   switch to another user (clears the visible conversation)
  /memories    list everything remembered about the current user
  /clear       forget the current user and clear the conversation
  /quit        leave`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if user, _ := cmd.Flags().GetString("user"); user != "" {
			cfg.DefaultUser = user
		}

		ctx := context.Background()
		built, err := app.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer built.Cleanup()

		sess, err := built.Sessions.Connect(ctx, cfg.DefaultUser, cfg.BackendConfig())
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          promptFor(sess.UserID),
			InterruptPrompt: "^C",
			EOFPrompt:       "/quit",
			AutoComplete: readline.NewPrefixCompleter(
				readline.PcItem("/user"),
				readline.PcItem("/memories"),
				readline.PcItem("/clear"),
				readline.PcItem("/quit"),
			),
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = rl.Close()
		}()

		c := &chat{
			orch:      built.Orchestrator,
			built:     built,
			sessionID: sess.ID,
			out:       rl.Stdout(),
			rl:        rl,
		}
		fmt.Fprintf(c.out, "Chatting as %s with %s. Type /quit to leave.\n", sess.UserID, cfg.LLMModel)
		return c.loop(ctx)
	},
}

type chat struct {
	orch      *conversation.Orchestrator
	built     *app.BuildResult
	sessionID string
	out       io.Writer
	rl        *readline.Instance
}

func (c *chat) loop(ctx context.Context) error {
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil { // io.EOF
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				return nil
			}
			continue
		}
		c.turn(ctx, line)
	}
}

func (c *chat) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true
	case "/user":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: /user <id>")
			return false
		}
		sess, err := c.built.Sessions.SwitchUser(ctx, c.sessionID, arg)
		if err != nil {
			fmt.Fprintf(c.out, "could not switch user: %v\n", err)
			return false
		}
		c.rl.SetPrompt(promptFor(sess.UserID))
		fmt.Fprintf(c.out, "Now chatting as %s.\n", sess.UserID)
	case "/memories":
		recs, err := c.orch.ViewAllMemories(ctx, c.sessionID)
		if err != nil {
			fmt.Fprintf(c.out, "could not load memories: %v\n", err)
			return false
		}
		if len(recs) == 0 {
			fmt.Fprintln(c.out, "No memories stored yet.")
			return false
		}
		for i, rec := range recs {
			fmt.Fprintf(c.out, "%3d. [%s] %s\n", i+1, rec.CreatedAt.Format("2006-01-02 15:04"), rec.Text)
		}
	case "/clear":
		if err := c.orch.ClearMemories(ctx, c.sessionID); err != nil {
			fmt.Fprintf(c.out, "could not clear memories: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "Memories cleared.")
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", name)
	}
	return false
}

// turn streams one reply; Ctrl-C cancels it and nothing of the partial reply is kept.
func (c *chat) turn(ctx context.Context, prompt string) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	ts, err := c.orch.Stream(turnCtx, c.sessionID, prompt)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	for delta := range ts.Deltas() {
		fmt.Fprint(c.out, delta)
	}
	res := ts.Result()

	switch {
	case res.Canceled:
		fmt.Fprintln(c.out, "\n(canceled)")
		return
	case res.Notice != "":
		fmt.Fprintln(c.out, res.Response)
		fmt.Fprintln(c.out, res.Notice)
	default:
		fmt.Fprintln(c.out)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(c.out, "warning: %s\n", w)
	}
	fmt.Fprintf(c.out, "(%s)\n", res.ContextCaption())
}

func promptFor(userID string) string {
	return userID + "> "
}

func init() {
	chatCmd.Flags().String("user", "", "user to chat as (overrides APP_DEFAULT_USER)")
	rootCmd.AddCommand(chatCmd)
}
