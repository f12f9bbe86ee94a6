// Package tasks holds the daemon's registered callables (demo-grade, per
// SPEC_FULL.md: they exist to exercise the ambient Cache/UseService/Submit
// surface end to end, not to actually talk to a real mailbox). Each
// callable is wired into the worker's static registry by this package's
// init, mirroring the teacher's internal/tools pattern of registering each
// tool against a shared registry at package load time.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"

	"github.com/basket/inboxd/internal/mailstore"
	"github.com/basket/inboxd/internal/worker"
)

func init() {
	worker.Register("sync_inbox", syncInbox)
	worker.Register("generate_message_summary", generateMessageSummary)
	worker.Register("process_inbox_thread", processInboxThread)
	worker.Register("execute_function_for_message", executeFunctionForMessage)
}

// mailboxCacheKey mirrors notifier.cacheKeyPrefix; duplicated here rather
// than imported so tasks (which runs inside a worker subprocess) never
// needs to import the host-only notifier package.
const mailboxCacheKey = "mailbox_state."

// syncInbox is the recurring callable (SPEC_FULL.md's default
// recurring_tasks entry): it advances a demo inbox cursor in the Shared
// Cache and submits process_inbox_thread for the next synthetic thread.
// A real implementation would poll an actual mailbox provider here; this
// stands in for it, matching the core's "what the callable does is
// opaque" contract.
func syncInbox(ctx context.Context, _ []string, _ map[string]string) error {
	ambient, ok := worker.FromContext(ctx)
	if !ok {
		return fmt.Errorf("sync_inbox: no ambient context")
	}

	const cursorKey = "sync_inbox.cursor"
	next := 1
	if raw, ok := ambient.Cache.Get(cursorKey); ok {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			next = n + 1
		}
	}
	ambient.Cache.Set(cursorKey, []byte(strconv.Itoa(next)))

	threadID := fmt.Sprintf("thread-%d", next)
	return ambient.Submit(ctx, "general", "process_inbox_thread", nil, map[string]string{"thread_id": threadID})
}

// processInboxThread summarizes a thread's content via the completion
// model and stages the resulting mailbox state for the Completion Notifier
// to persist and broadcast.
func processInboxThread(ctx context.Context, _ []string, named map[string]string) error {
	ambient, ok := worker.FromContext(ctx)
	if !ok {
		return fmt.Errorf("process_inbox_thread: no ambient context")
	}
	threadID := named["thread_id"]
	if threadID == "" {
		return fmt.Errorf("process_inbox_thread: missing thread_id")
	}

	body := fmt.Sprintf("Synthetic message body for %s, generated for demo purposes.", threadID)
	var summary string
	err := ambient.UseService(ctx, "completion", func(ctx context.Context) error {
		s, err := summarize(ctx, body)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("process_inbox_thread: summarize: %w", err)
	}

	state := mailstore.MailboxState{
		ThreadID:    threadID,
		Subject:     "Re: " + threadID,
		Summary:     summary,
		UnreadCount: 1,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("process_inbox_thread: marshal mailbox state: %w", err)
	}
	ambient.Cache.Set(mailboxCacheKey+threadID, raw)
	return nil
}

// generateMessageSummary is a standalone callable a caller can submit
// directly for a body it already has, independent of a full thread sync.
func generateMessageSummary(ctx context.Context, _ []string, named map[string]string) error {
	ambient, ok := worker.FromContext(ctx)
	if !ok {
		return fmt.Errorf("generate_message_summary: no ambient context")
	}
	body := named["body"]
	if body == "" {
		return fmt.Errorf("generate_message_summary: missing body")
	}

	var summary string
	err := ambient.UseService(ctx, "completion", func(ctx context.Context) error {
		s, err := summarize(ctx, body)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("generate_message_summary: %w", err)
	}

	key := "message_summary." + named["thread_id"]
	ambient.Cache.Set(key, []byte(summary))
	return nil
}

// executeFunctionForMessage demonstrates tool-calling: it asks the
// completion model to decide whether a message needs the "mark_urgent"
// tool invoked, then stages the resulting mailbox state like
// processInboxThread does.
func executeFunctionForMessage(ctx context.Context, _ []string, named map[string]string) error {
	ambient, ok := worker.FromContext(ctx)
	if !ok {
		return fmt.Errorf("execute_function_for_message: no ambient context")
	}
	threadID := named["thread_id"]
	if threadID == "" {
		return fmt.Errorf("execute_function_for_message: missing thread_id")
	}

	urgent := false
	err := ambient.UseService(ctx, "completion", func(ctx context.Context) error {
		g, modelName, err := localCompletionClient()
		if err != nil {
			return err
		}
		markUrgent := genkit.DefineTool(g, "mark_urgent", "Flags a message thread as urgent",
			func(tctx *ai.ToolContext, input struct{ Reason string }) (string, error) {
				urgent = true
				return "marked urgent: " + input.Reason, nil
			},
		)
		_, err = genkit.Generate(ctx, g,
			ai.WithModelName(modelName),
			ai.WithPrompt(fmt.Sprintf("Decide if thread %s needs urgent handling and call mark_urgent if so.", threadID)),
			ai.WithTools(markUrgent),
			ai.WithMaxTurns(2),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("execute_function_for_message: %w", err)
	}

	unread := 0
	if urgent {
		unread = 1
	}
	state := mailstore.MailboxState{ThreadID: threadID, Subject: "Re: " + threadID, UnreadCount: unread}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("execute_function_for_message: marshal mailbox state: %w", err)
	}
	ambient.Cache.Set(mailboxCacheKey+threadID, raw)
	return nil
}

func summarize(ctx context.Context, body string) (string, error) {
	g, modelName, err := localCompletionClient()
	if err != nil {
		return "", err
	}
	resp, err := genkit.Generate(ctx, g,
		ai.WithModelName(modelName),
		ai.WithSystem("Summarize the email in one short sentence."),
		ai.WithPrompt(body),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// localCompletionClient builds a genkit instance pointed at the completion
// model server the Inference Supervisor has just guaranteed is READY,
// speaking its OpenAI-compatible HTTP surface (spec's local-first,
// no-cloud-dependency model). The port is read from the same environment
// variable cmd/inboxd sets for every worker subprocess.
func localCompletionClient() (*genkit.Genkit, string, error) {
	port := os.Getenv("INBOXD_COMPLETION_PORT")
	if port == "" {
		port = "17727"
	}
	plugin := &compat_oai.OpenAICompatible{
		Provider: "local",
		APIKey:   "local",
		BaseURL:  "http://127.0.0.1:" + port + "/v1",
	}
	g := genkit.Init(context.Background(), genkit.WithPlugins(plugin))
	return g, "local/local-completion", nil
}
