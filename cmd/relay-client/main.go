// relay-client streams one agent turn from a relay server to the
// terminal, following reconnect windows transparently. Ctrl-C requests
// cooperative cancellation of the running execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fathomlabs/relay/internal/agent"
	"github.com/fathomlabs/relay/internal/client"
)

func main() {
	serverFlag := flag.String("server", "http://localhost:8080", "Relay server base URL")
	convFlag := flag.String("conversation", "", "Conversation id to continue (empty starts a new one)")
	verboseFlag := flag.Bool("verbose", false, "Print every event frame, not just assistant text")
	flag.Parse()

	message := strings.Join(flag.Args(), " ")
	if message == "" {
		fmt.Fprintln(os.Stderr, "usage: relay-client [options] <message>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	c := client.NewClient(*serverFlag)
	ctx := context.Background()

	start, err := c.StartTurn(ctx, *convFlag, message, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-client: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "execution: %s\nconversation: %s\n\n", start.ExecutionID, start.ConversationID)

	// Ctrl-C cancels the execution server-side; the stream then ends
	// with a cancelled terminal frame rather than being torn down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ncancelling...")
		if _, err := c.Cancel(context.Background(), start.ExecutionID); err != nil {
			fmt.Fprintf(os.Stderr, "relay-client: cancel failed: %v\n", err)
		}
	}()

	result, err := c.Stream(ctx, start.ExecutionID, 0, func(ts int64, ev *agent.StreamEvent) error {
		printEvent(ts, ev, *verboseFlag)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-client: %v\n", err)
		os.Exit(1)
	}

	switch {
	case result.IsCancelled:
		fmt.Fprintln(os.Stderr, "\n[cancelled]")
		os.Exit(1)
	case result.IsError:
		fmt.Fprintf(os.Stderr, "\n[failed] %s\n", result.Err)
		os.Exit(1)
	}
}

func printEvent(ts int64, ev *agent.StreamEvent, verbose bool) {
	if verbose {
		fmt.Printf("[%d] %s", ts, ev.Type)
		if ev.Role != "" {
			fmt.Printf(" role=%s", ev.Role)
		}
		if ev.ToolName != "" {
			fmt.Printf(" tool=%s", ev.ToolName)
		}
		if ev.Text != "" {
			fmt.Printf(" text=%q", ev.Text)
		}
		if ev.Value != "" {
			fmt.Printf(" value=%q", ev.Value)
		}
		fmt.Println()
		return
	}

	switch ev.Type {
	case agent.StreamEventDelta:
		fmt.Print(ev.Text)
	case agent.StreamEventMessage:
		if ev.Role == "assistant" {
			fmt.Println(ev.Text)
		}
	case agent.StreamEventToolCall:
		fmt.Fprintf(os.Stderr, "→ %s\n", ev.ToolName)
	case agent.StreamEventCompletion:
		// Final text already streamed as messages/deltas
	case agent.StreamEventError:
		fmt.Fprintf(os.Stderr, "error: %s\n", ev.Text)
	}
}
