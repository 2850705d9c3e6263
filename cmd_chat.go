package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tanpawarit/moneta-advisor/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/moneta-advisor/agent/contract"
	statex "github.com/tanpawarit/moneta-advisor/agent/state"
)

type chatOptions struct {
	userID         string
	useCase        string
	conversationID string
	deepResearch   bool
}

func newChatCommand() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to an agent set in an interactive session",
		Example: `moneta chat --user u1 --use-case banking
moneta chat --user u1 --use-case insurance --conversation 7f0c...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(cmd.Context(), a.orchestrator, opts)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "cli-user", "user id the conversation belongs to")
	cmd.Flags().StringVar(&opts.useCase, "use-case", string(statex.UseCaseBanking), "agent set to talk to")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "resume an existing conversation")
	cmd.Flags().BoolVar(&opts.deepResearch, "deep-research", false, "route coordinator turns to the research agent")
	return cmd
}

type turnHandler interface {
	HandleTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResponse, error)
}

func runChat(ctx context.Context, h turnHandler, opts chatOptions) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".moneta_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "use case %s, /new starts a conversation, /deep toggles deep research, exit quits\n", opts.useCase)
	session := &chatSession{opts: opts, out: rl.Stdout()}
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(rl.Stdout(), "Goodbye!")
				return nil
			}
			return err
		}
		if done := session.handle(ctx, h, strings.TrimSpace(line)); done {
			return nil
		}
	}
}

type chatSession struct {
	opts chatOptions
	out  io.Writer
}

// handle processes one input line and reports whether the session ended.
func (s *chatSession) handle(ctx context.Context, h turnHandler, input string) bool {
	switch input {
	case "":
		return false
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case "/new":
		s.opts.conversationID = ""
		fmt.Fprintln(s.out, "started a new conversation")
		return false
	case "/deep":
		s.opts.deepResearch = !s.opts.deepResearch
		fmt.Fprintf(s.out, "deep research %v\n", s.opts.deepResearch)
		return false
	}

	resp, err := h.HandleTurn(ctx, orchestrator.TurnRequest{
		UserID:         s.opts.userID,
		ConversationID: s.opts.conversationID,
		Message:        input,
		UseCase:        s.opts.useCase,
		DeepResearch:   s.opts.deepResearch,
	})
	if err != nil {
		fmt.Fprintf(s.out, "error (%s): %v\n", contractx.KindOf(err), err)
		return false
	}
	s.opts.conversationID = resp.ConversationID
	for _, m := range resp.Reply {
		printReply(s.out, m)
	}
	return false
}

func printReply(w io.Writer, m orchestrator.ReplyMessage) {
	author := m.Author
	if author == "" {
		author = string(m.Role)
	}
	fmt.Fprintf(w, "%s> %s\n", author, m.Content)
}
