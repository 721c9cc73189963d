package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"codeask/internal/agent"
)

var askShowSteps bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a one-shot question about the repository",
	Long: `Ask a single question without running the HTTP server. The command
initializes the mirror and tool servers, runs the conversation loop once,
prints the answer, and exits.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVar(&askShowSteps, "steps", false, "Print tool calls as they happen")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateAsk(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	question := strings.Join(args, " ")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown()

	var progress func(agent.Progress)
	if askShowSteps {
		progress = func(p agent.Progress) {
			switch p.Stage {
			case agent.StageRound:
				fmt.Printf("-- round %d\n", p.Round)
			case agent.StageToolCall:
				fmt.Printf("   %s\n", p.Tool)
			}
		}
	}

	answer, _, err := a.loop.AskWithProgress(ctx, question, nil, progress)
	if err != nil {
		return err
	}

	fmt.Println(answer.Text)
	if askShowSteps {
		fmt.Printf("\n(%d rounds, %d tool calls, commit %s)\n",
			answer.Rounds, answer.ToolCalls, answer.Commit)
	}
	return nil
}
