// Package compactor implements the compactor (C11): a dedicated
// summarization turn that runs when token usage crosses the model's
// auto-compact limit, or when the user invokes Compact directly (spec
// §4.11). Unlike a regular turn, it never dispatches tool calls — it
// is a single sampling request against the compact prompt.
package compactor

import (
	"context"
	"fmt"

	"github.com/codex-core/session-engine/internal/convo"
	"github.com/codex-core/session-engine/internal/modelclient"
	"github.com/codex-core/session-engine/internal/protocol"
)

// DefaultSummarizationPrompt is used when SessionConfiguration carries
// no compact_prompt override (spec §9 "the compact prompt default...
// implementers must accept an override").
const DefaultSummarizationPrompt = `Your task is to create a detailed summary of the conversation so far.
Capture the user's goals, the technical decisions made, the files touched and why, and any
outstanding work, so the conversation can continue without losing context. Be thorough but concise.`

// Services is the narrow surface the compactor needs from the session
// (C8): emitting ContextCompacted, and persisting the Compacted rollout
// item with its replacement history (spec §4.11, §6.3).
type Services interface {
	SendEventRawFlushed(msg protocol.EventMsg)
	PersistRolloutItems(items ...protocol.RolloutItem)
}

// Compactor runs the summarization turn and rebuilds history in place.
// It implements turnengine.Compactor.
type Compactor struct {
	client   modelclient.Client
	history  *convo.Manager
	services Services

	model         string
	compactPrompt string

	// initialContext is the developer/user-instructions + environment
	// preamble recorded at session start (session.BuildInitialContext);
	// it is always the head of the reconstructed history (spec §4.11
	// "initial context + ... + the summary message").
	initialContext []protocol.ResponseItem
}

// New builds a Compactor. compactPrompt may be empty, in which case
// DefaultSummarizationPrompt is used (spec §9's required override
// hook is exposed by passing a non-empty compactPrompt).
func New(client modelclient.Client, history *convo.Manager, services Services, model, compactPrompt string, initialContext []protocol.ResponseItem) *Compactor {
	if compactPrompt == "" {
		compactPrompt = DefaultSummarizationPrompt
	}
	return &Compactor{
		client:         client,
		history:        history,
		services:       services,
		model:          model,
		compactPrompt:  compactPrompt,
		initialContext: initialContext,
	}
}

// Compact runs one summarization request over the current history and
// replaces it with initial context + user messages gathered since
// inception + the summary (spec §4.11).
func (c *Compactor) Compact(ctx context.Context) error {
	userMessages := c.history.UserMessages()

	modelSession, err := c.client.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("compactor: new session: %w", err)
	}

	prompt := modelclient.Prompt{
		Model:        c.model,
		Instructions: c.compactPrompt,
		Input:        c.history.ForPrompt(),
	}

	events, err := modelSession.Stream(ctx, prompt)
	if err != nil {
		return fmt.Errorf("compactor: stream: %w", err)
	}

	var summary string
	for ev := range events {
		switch ev.Kind {
		case modelclient.ResponseEventOutputItemDone:
			if msg, ok := ev.Item.(protocol.ItemMessage); ok && msg.Role == "assistant" {
				for _, content := range msg.Content {
					summary += content.Text
				}
			}
		case modelclient.ResponseEventContentDelta:
			summary += ev.Delta
		}
	}
	if summary == "" {
		return fmt.Errorf("compactor: model produced no summary")
	}

	summaryItem := protocol.ItemMessage{
		Role:    "assistant",
		Content: []protocol.ContentItem{{Type: protocol.ContentOutputText, Text: summary}},
	}

	replacement := make([]protocol.ResponseItem, 0, len(c.initialContext)+len(userMessages)+1)
	replacement = append(replacement, c.initialContext...)
	replacement = append(replacement, userMessages...)
	replacement = append(replacement, summaryItem)

	c.history.Replace(replacement)
	c.services.PersistRolloutItems(protocol.RolloutCompacted{Message: summary, ReplacementHistory: replacement})
	c.services.SendEventRawFlushed(protocol.MsgContextCompacted{Message: summary})
	return nil
}
