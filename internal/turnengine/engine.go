// Package turnengine implements the turn engine (C7): the sampling
// request loop that drives one turn end to end — streaming from the
// model client, dispatching tool calls in order, and deciding whether a
// follow-up iteration is needed.
package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codex-core/session-engine/internal/convo"
	"github.com/codex-core/session-engine/internal/modelclient"
	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/toolrouter"
)

// Services is everything the engine needs from the session (C8) for
// one turn. Session composes the concrete implementation; the engine
// only depends on this narrow surface so it stays independently
// testable (spec §4.7 "APIs the turn engine consumes").
type Services interface {
	toolrouter.EventSink
	RecordConversationItems(items []protocol.ResponseItem)
	SendEvent(msg protocol.EventMsg)
	SendEventRawFlushed(msg protocol.EventMsg)
	NotifyStreamError(attempt, max int, err error)
	UpdateTokenUsageInfo(info protocol.TokenUsageInfo)
	UpdateRateLimits(snapshot protocol.RateLimitSnapshot)
	RateLimits() *protocol.RateLimitSnapshot
}

// Config is the fixed, per-turn configuration the engine reads but
// never mutates.
type Config struct {
	Model                 string
	ModelContextWindow     int64
	AutoCompactTokenLimit  int64
	CollaborationModeKind  string
	BaseInstructions       string
	Personality            string
	OutputSchema           json.RawMessage
	ToolsConfig            toolrouter.ToolsConfig
	ApprovalPolicy         protocol.AskForApproval
	SandboxPolicy          protocol.SandboxPolicy
	Cwd                    string
}

// Compactor runs a summarization turn when token usage crosses the
// auto-compact limit; internal/compactor.Compactor satisfies this.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Engine drives sampling-request loops for a session.
type Engine struct {
	client    modelclient.Client
	router    *toolrouter.Router
	history   *convo.Manager
	services  Services
	compactor Compactor
}

func New(client modelclient.Client, router *toolrouter.Router, history *convo.Manager, services Services, compactor Compactor) *Engine {
	return &Engine{client: client, router: router, history: history, services: services, compactor: compactor}
}

// RunTurn executes the full sampling-request loop for one turn (spec
// §4.3), returning the last assistant message text, if any.
func (e *Engine) RunTurn(ctx context.Context, cfg Config, injected []protocol.ResponseItem) (string, error) {
	e.services.SendEvent(protocol.MsgTurnStarted{
		ModelContextWindow:    cfg.ModelContextWindow,
		CollaborationModeKind: cfg.CollaborationModeKind,
	})

	if cfg.AutoCompactTokenLimit > 0 && int64(e.history.EstimateTokenCount(cfg.BaseInstructions)) >= cfg.AutoCompactTokenLimit {
		if err := e.runCompaction(ctx); err != nil {
			return "", fmt.Errorf("turnengine: initial compaction: %w", err)
		}
	}

	if len(injected) > 0 {
		e.services.RecordConversationItems(injected)
	}

	session, err := e.client.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("turnengine: new session: %w", err)
	}

	var lastAssistantText string
	planParser := newPlanParser(cfg.CollaborationModeKind == "plan")

	for {
		needsFollowUp, assistantText, err := e.runIteration(ctx, session, cfg, planParser)
		if err != nil {
			return lastAssistantText, err
		}
		if assistantText != "" {
			lastAssistantText = assistantText
		}
		if !needsFollowUp {
			break
		}

		if cfg.AutoCompactTokenLimit > 0 && int64(e.history.EstimateTokenCount(cfg.BaseInstructions)) >= cfg.AutoCompactTokenLimit {
			if err := e.runCompaction(ctx); err != nil {
				return lastAssistantText, fmt.Errorf("turnengine: auto-compact: %w", err)
			}
		}
	}

	e.services.SendEventRawFlushed(protocol.MsgTurnComplete{LastAgentMessage: lastAssistantText})
	return lastAssistantText, nil
}

func (e *Engine) runCompaction(ctx context.Context) error {
	if e.compactor == nil {
		return nil
	}
	return e.compactor.Compact(ctx)
}

// runIteration runs one sampling request to completion: stream until
// Completed, dispatch tool calls in push order via an ordered queue,
// and report whether another iteration is needed.
func (e *Engine) runIteration(ctx context.Context, session modelclient.Session, cfg Config, planParser *planParser) (needsFollowUp bool, assistantText string, err error) {
	var toolSpecs []json.RawMessage
	for _, spec := range e.router.Specs(cfg.ToolsConfig) {
		raw, err := json.Marshal(spec)
		if err != nil {
			return false, "", fmt.Errorf("turnengine: encode tool spec %q: %w", spec.Name, err)
		}
		toolSpecs = append(toolSpecs, raw)
	}

	prompt := modelclient.Prompt{
		Model:        cfg.Model,
		Instructions: cfg.BaseInstructions,
		Input:        e.history.ForPrompt(),
		Tools:        toolSpecs,
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	policy := modelclient.DefaultRetryPolicy
	var events <-chan modelclient.ResponseEvent
	attempt := 0
	retryErr := policy.Do(turnCtx, func(n int) error {
		attempt = n
		ch, streamErr := session.Stream(turnCtx, prompt)
		if streamErr != nil {
			return streamErr
		}
		events = ch
		return nil
	}, func(attemptNum, maxRetries int, streamErr error) {
		e.services.NotifyStreamError(attemptNum, maxRetries, streamErr)
		if attemptNum == maxRetries {
			session.TrySwitchFallbackTransport(turnCtx)
		}
	})
	if retryErr != nil {
		return false, "", fmt.Errorf("turnengine: stream attempt %d: %w", attempt, retryErr)
	}

	type orderedToolCall struct {
		index int
		call  toolrouter.ToolInvocation
	}
	var toolQueue []orderedToolCall
	var nonToolItems []protocol.ResponseItem
	var finalUsage *protocol.TokenUsageInfo

	// startedItems tracks which item ids have already had ItemStarted
	// emitted. Outside plan mode every item starts on OutputItemAdded;
	// in plan mode an assistant message's start is deferred until the
	// first non-plan delta is seen for it (spec §4.3 "Plan mode
	// streaming"), so plan-only responses never surface an empty
	// assistant message.
	startedItems := make(map[string]bool)
	var planItemID string
	var planStarted bool
	var planText strings.Builder

	finishPlanItem := func() {
		if !planStarted {
			return
		}
		e.services.SendEvent(protocol.MsgItemCompleted{ItemID: planItemID, Item: protocol.ItemPlan{Text: planText.String()}})
		planStarted = false
		planItemID = ""
		planText.Reset()
	}

	for ev := range events {
		switch ev.Kind {
		case modelclient.ResponseEventCreated:
			// request accepted; nothing to emit
		case modelclient.ResponseEventOutputItemAdded:
			if cfg.CollaborationModeKind == "plan" && ev.ItemKind == protocol.ResponseItemMessage {
				continue // deferred until first non-plan delta
			}
			e.services.SendEvent(protocol.MsgItemStarted{ItemID: ev.ItemID, Kind: ev.ItemKind})
			startedItems[ev.ItemID] = true
		case modelclient.ResponseEventContentDelta:
			for _, seg := range planParser.feed(ev.Delta) {
				if seg.Text == "" {
					continue
				}
				if seg.IsPlan {
					if !planStarted {
						planStarted = true
						planItemID = ev.ItemID + "-plan"
						e.services.SendEvent(protocol.MsgItemStarted{ItemID: planItemID, Kind: protocol.ResponseItemPlan})
					}
					planText.WriteString(seg.Text)
					e.services.SendEvent(protocol.MsgPlanDelta{ItemID: planItemID, Delta: seg.Text})
				} else {
					if !startedItems[ev.ItemID] {
						e.services.SendEvent(protocol.MsgItemStarted{ItemID: ev.ItemID, Kind: protocol.ResponseItemMessage})
						startedItems[ev.ItemID] = true
					}
					e.services.SendEvent(protocol.MsgAgentMessageContentDelta{ItemID: ev.ItemID, Delta: seg.Text})
				}
			}
		case modelclient.ResponseEventReasoningDelta:
			e.services.SendEvent(protocol.MsgReasoningContentDelta{ItemID: ev.ItemID, Delta: ev.Delta})
		case modelclient.ResponseEventReasoningRawDelta:
			e.services.SendEvent(protocol.MsgReasoningRawContentDelta{ItemID: ev.ItemID, Delta: ev.Delta})
		case modelclient.ResponseEventOutputItemDone:
			if call, ok := toolrouter.BuildToolCall(ev.Item); ok {
				toolQueue = append(toolQueue, orderedToolCall{index: len(toolQueue), call: call})
			} else {
				if planItemID == ev.ItemID+"-plan" {
					finishPlanItem()
				}
				if startedItems[ev.ItemID] {
					e.services.SendEvent(protocol.MsgItemCompleted{ItemID: ev.ItemID, Item: ev.Item})
				}
				nonToolItems = append(nonToolItems, ev.Item)
				if msg, ok := ev.Item.(protocol.ItemMessage); ok && msg.Role == "assistant" {
					for _, c := range msg.Content {
						assistantText += c.Text
					}
				}
			}
		case modelclient.ResponseEventCompleted:
			finalUsage = ev.Usage
		case modelclient.ResponseEventRateLimits:
			if ev.RateLimits != nil {
				e.services.UpdateRateLimits(*ev.RateLimits)
			}
		}
	}
	// A canceled turn ends here, without TurnComplete; the interrupt
	// handler reports the abort.
	if err := ctx.Err(); err != nil {
		return false, assistantText, err
	}
	// The stream ended without a matching OutputItemDone for the item
	// that opened the plan (e.g. a truncated stream); finalize it
	// anyway (spec §4.3 "On stream completion, any remaining plan
	// parsers are finalized").
	finishPlanItem()

	if finalUsage != nil {
		e.services.UpdateTokenUsageInfo(*finalUsage)
		e.services.SendEvent(protocol.MsgTokenCount{Info: *finalUsage, RateLimits: e.services.RateLimits()})
	}

	// Drain the tool queue strictly in push order (FuturesOrdered
	// equivalent): dispatch is sequential here, but the queue
	// construction guarantees recorded order never depends on a
	// handler's actual completion time.
	deps := &toolrouter.Deps{
		ApprovalPolicy: cfg.ApprovalPolicy,
		Cwd:            cfg.Cwd,
		Sandbox:        cfg.SandboxPolicy,
		Sink:           e.services,
	}
	ranAnyTool := len(toolQueue) > 0
	for _, entry := range toolQueue {
		result, fcErr := e.router.DispatchToolCall(ctx, deps, entry.call)
		if fcErr != nil && fcErr.Kind == toolrouter.Fatal {
			e.services.SendEvent(protocol.MsgError{Message: fcErr.Message})
			return false, assistantText, fmt.Errorf("turnengine: tool %q: %s", entry.call.Name, fcErr.Message)
		}
		e.services.RecordConversationItems([]protocol.ResponseItem{result})
	}

	if len(nonToolItems) > 0 {
		e.services.RecordConversationItems(nonToolItems)
	}

	return ranAnyTool, assistantText, nil
}
