package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memclaw/internal/actor"
	"github.com/nextlevelbuilder/memclaw/internal/app"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		message     string
		source      string
		showContext bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively or send a one-shot message",
		Long: `Chat with the assistant. Each turn retrieves memory, generates a reply
and hands the turn back to the memory actor for classification.

Examples:
  memclaw chat                           # Interactive REPL
  memclaw chat -m "请记住：回答要简短"        # One-shot message
  memclaw chat --show-context            # Print the memory context for each turn`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, source, showContext)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&source, "source", "s", "cli", "source id used for rate limiting")
	cmd.Flags().BoolVar(&showContext, "show-context", false, "print the memory context used for each reply")
	return cmd
}

func runChat(message, source string, showContext bool) {
	cfg := mustLoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := app.New(cfg)
	a.OnNotice = func(msg protocol.SystemMessage) {
		fmt.Fprintf(os.Stderr, "\n%s\n", msg.Message)
	}
	if err := a.Init(ctx); err != nil {
		a.Close()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if a.LLM == nil && a.Gen == nil {
		fmt.Fprintln(os.Stderr, "Warning: no LLM configured (set llm.apiKey or MEMCLAW_LLM_API_KEY); replies will fail.")
	}

	turn := func(text string) bool {
		reply, err := a.Conversation.HandleUserMessage(ctx, source, text)
		switch {
		case errors.Is(err, actor.ErrRateLimited):
			fmt.Fprintln(os.Stderr, "Too many messages, slow down.")
			return true
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return false
		}
		if showContext {
			fmt.Fprintf(os.Stderr, "\n--- memory context (found=%t) ---\n%s\n---\n", reply.MemoryFound, reply.Context)
		}
		fmt.Printf("\n%s\n\n", reply.Text)
		return true
	}

	if message != "" {
		if !turn(message) {
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "\nmemclaw interactive chat (store: %s, bus: %s)\n", cfg.Store.Backend, cfg.Bus.Transport)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/summary\" for working-memory status\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/summary" {
			s, err := a.Working.Summary(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "%s\n\n", s)
			continue
		}
		turn(input)
		if ctx.Err() != nil {
			return
		}
	}
}
