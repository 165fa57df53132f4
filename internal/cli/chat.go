package cli

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/asientohq/asiento/internal/observability"
	"github.com/asientohq/asiento/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	chatTenantID       string
	chatUserID         string
	chatConversationID string
	chatMetricsAddr    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long: `Open an interactive chat session against the configured tenant. Model
output streams as it is generated; when the agent asks a clarifying
question, the session pauses until you answer.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatTenantID, "tenant", "", "tenant id (required)")
	chatCmd.Flags().StringVar(&chatUserID, "user", "", "user id")
	chatCmd.Flags().StringVar(&chatConversationID, "conversation", "", "resume an existing conversation")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatTenantID == "" {
		return fmt.Errorf("--tenant is required")
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if chatMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		go func() {
			if err := http.ListenAndServe(chatMetricsAddr, mux); err != nil {
				log := rt.logger()
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	ctx := cmd.Context()
	reader := bufio.NewReader(os.Stdin)
	conversationID := chatConversationID

	fmt.Println("Connected. Type a message, or /quit to exit.")
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		events, err := rt.engine.SendMessage(ctx, agent.MessageRequest{
			ConversationID: conversationID,
			TenantID:       chatTenantID,
			UserID:         chatUserID,
			Text:           line,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		conversationID = streamToTerminal(ctx, rt, reader, events, conversationID)
	}
}

// streamToTerminal renders one event stream, answering questions inline,
// and returns the conversation id the cycle settled on.
func streamToTerminal(ctx context.Context, rt *runtime, reader *bufio.Reader, events <-chan agent.Event, conversationID string) string {
	for ev := range events {
		if ev.ConversationID != "" {
			conversationID = ev.ConversationID
		}

		switch ev.Type {
		case agent.EventTextDelta:
			fmt.Print(ev.Text)

		case agent.EventReasoningDelta:
			// Reasoning is streamed but not rendered in the terminal.

		case agent.EventToolStart:
			if ev.Tool != nil && ev.Tool.Args != nil {
				fmt.Printf("\n[%s...]\n", ev.Tool.Name)
			}

		case agent.EventToolDone:
			if ev.Tool != nil && ev.Tool.Result != nil {
				fmt.Printf("[%s: %s]\n", ev.Tool.Name, ev.Tool.Result.Summary)
			}

		case agent.EventTitleUpdate:
			fmt.Printf("[title: %s]\n", ev.Title)

		case agent.EventQuestion:
			fmt.Printf("\n%s\n", ev.Question.Prompt)
			for i, opt := range ev.Question.Options {
				fmt.Printf("  %d) %s\n", i+1, opt)
			}
			fmt.Print("answer> ")
			answer, err := reader.ReadString('\n')
			if err != nil {
				return conversationID
			}

			resumed, err := rt.engine.Answer(ctx, agent.AnswerRequest{
				ConversationID: conversationID,
				TenantID:       chatTenantID,
				UserID:         chatUserID,
				QuestionCallID: ev.QuestionCallID,
				Answer:         strings.TrimSpace(answer),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return conversationID
			}
			return streamToTerminal(ctx, rt, reader, resumed, conversationID)

		case agent.EventDone:
			fmt.Println()

		case agent.EventError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Err)
		}
	}
	return conversationID
}
