package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"appforge/internal/model"
)

// memoryTurnWindow is how many recent turns feed the rolling digest.
const memoryTurnWindow = 120

// memoryMaxRunes caps the stored digest.
const memoryMaxRunes = 2000

const memorySystemPrompt = "You maintain a short running memory of an app-building conversation. " +
	"Rewrite the memory to fold in the new turns: keep decisions, preferences and app facts, " +
	"drop greetings and chit-chat. Reply with the updated memory only, under 15 sentences, no code."

// updateMemory refreshes the project's rolling conversation digest. The
// digest is advisory context only, so every failure here is logged and
// swallowed rather than surfaced to the user.
func (o *Orchestrator) updateMemory(ctx context.Context, meta *model.ProjectMeta) {
	if o.chat == nil {
		return
	}

	turns, err := o.store.Turns(meta.ID, memoryTurnWindow)
	if err != nil {
		o.log.Debug().Err(err).Str("project", meta.ID).Msg("memory update skipped: reading turns")
		return
	}
	if len(turns) == 0 {
		return
	}

	var b strings.Builder
	if meta.Memory != "" {
		fmt.Fprintf(&b, "Current memory:\n%s\n\n", meta.Memory)
	}
	b.WriteString("Recent turns:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, model.Truncate(t.Content, 300))
	}

	digest, err := o.chat.Complete(ctx, memorySystemPrompt, b.String())
	if err != nil {
		o.log.Debug().Err(err).Str("project", meta.ID).Msg("memory update skipped: completion failed")
		return
	}
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return
	}
	meta.Memory = model.Truncate(digest, memoryMaxRunes)

	if err := o.store.PutMeta(meta); err != nil {
		o.log.Debug().Err(err).Str("project", meta.ID).Msg("memory update skipped: persisting")
	}
}
