package submission

import (
	"fmt"

	"github.com/codex-core/session-engine/internal/protocol"
	"github.com/codex-core/session-engine/internal/session"
)

// inputItemsToResponseItem folds a user turn's InputItem list into a
// single "user" ItemMessage, the shape the context manager and model
// expect (spec §3 "UserInput { items, ... }").
func inputItemsToResponseItem(items []protocol.InputItem) protocol.ResponseItem {
	content := make([]protocol.ContentItem, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "image":
			content = append(content, protocol.ContentItem{Type: protocol.ContentInputImage, Image: item.Image})
		default:
			content = append(content, protocol.ContentItem{Type: protocol.ContentInputText, Text: item.Text})
		}
	}
	return protocol.ItemMessage{Role: "user", Content: content}
}

// synthesizeSettingsUpdates builds the developer-visible diff items the
// model should see whenever a UserTurn/OverrideTurnContext changes
// persistent defaults mid-conversation (spec §4.2 "the session may
// synthesize 'settings-update' response items... so the model observes
// the change").
func synthesizeSettingsUpdates(prev, next session.Configuration) []protocol.ResponseItem {
	var lines []string
	if prev.Cwd != next.Cwd || prev.SandboxPolicy.Kind != next.SandboxPolicy.Kind {
		lines = append(lines, fmt.Sprintf("environment changed: cwd=%s sandbox=%s", next.Cwd, next.SandboxPolicy.Kind))
	}
	if prev.ApprovalPolicy != next.ApprovalPolicy {
		lines = append(lines, fmt.Sprintf("approval policy changed: %s -> %s", prev.ApprovalPolicy, next.ApprovalPolicy))
	}
	if prev.CollaborationMode != next.CollaborationMode {
		lines = append(lines, fmt.Sprintf("collaboration mode changed: %q -> %q", prev.CollaborationMode, next.CollaborationMode))
	}
	if prev.Personality != next.Personality {
		lines = append(lines, fmt.Sprintf("personality changed: %q -> %q", prev.Personality, next.Personality))
	}
	if len(lines) == 0 {
		return nil
	}
	text := "<settings_update>\n"
	for _, l := range lines {
		text += l + "\n"
	}
	text += "</settings_update>"
	return []protocol.ResponseItem{
		protocol.ItemMessage{Role: "developer", Content: []protocol.ContentItem{{Type: protocol.ContentInputText, Text: text}}},
	}
}

func (l *Loop) handleUserInput(subID string, op protocol.OpUserInput) {
	l.spawnTurn(subID, nil, op.Items)
}

func (l *Loop) handleUserTurn(subID string, op protocol.OpUserTurn) {
	l.spawnTurn(subID, &op, op.Items)
}

// spawnTurn applies any per-turn context override, records the settings
// diff and the user's input into history, and starts the turn. override
// is nil for a plain UserInput (session defaults apply unchanged). The
// turn runs under the context BeginTurn derives internally, canceled
// only by Interrupt/ResolveApproval(Abort) — not by the submission
// loop's own ctx — so no context.Context is threaded through here.
func (l *Loop) spawnTurn(subID string, override *protocol.OpUserTurn, items []protocol.InputItem) {
	prevCfg := l.sess.Config()

	if override != nil {
		if err := override.SandboxPolicy.Validate(); err != nil {
			l.sess.SendEvent(protocol.MsgError{Message: err.Error(), CodexErrorInfo: protocol.ErrInfoBadRequest})
			return
		}
		update := session.ConfigurationUpdate{
			Model:             strPtrIfSet(override.Model),
			Cwd:               strPtrIfSet(override.Cwd),
			ApprovalPolicy:    &override.ApprovalPolicy,
			SandboxPolicy:     &override.SandboxPolicy,
			CollaborationMode: strPtrIfSet(override.CollaborationMode),
			Personality:       strPtrIfSet(override.Personality),
		}
		if override.Effort != nil {
			update.Effort = &override.Effort
		}
		if override.Summary != "" {
			update.ReasoningSummary = &override.Summary
		}
		l.sess.ApplyConfigUpdate(update)
	}

	newCfg := l.sess.Config()
	var injected []protocol.ResponseItem
	if diffs := synthesizeSettingsUpdates(prevCfg, newCfg); len(diffs) > 0 {
		injected = append(injected, diffs...)
	}
	injected = append(injected, inputItemsToResponseItem(items))

	cfg := l.buildTurnConfig(newCfg)
	if err := l.runTurn(subID, cfg, injected); err != nil {
		l.sess.SendEvent(protocol.MsgError{Message: err.Error(), CodexErrorInfo: protocol.ErrInfoBadRequest})
	}
}

func (l *Loop) handleOverrideTurnContext(op protocol.OpOverrideTurnContext) {
	if op.SandboxPolicy != nil {
		if err := op.SandboxPolicy.Validate(); err != nil {
			l.sess.SendEvent(protocol.MsgError{Message: err.Error(), CodexErrorInfo: protocol.ErrInfoBadRequest})
			return
		}
	}
	l.sess.ApplyConfigUpdate(session.ConfigurationUpdate{
		Model:             op.Model,
		Cwd:               op.Cwd,
		ApprovalPolicy:    op.ApprovalPolicy,
		SandboxPolicy:     op.SandboxPolicy,
		Effort:            op.Effort,
		ReasoningSummary:  op.Summary,
		Personality:       op.Personality,
		CollaborationMode: op.CollaborationMode,
	})
}

func strPtrIfSet(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
