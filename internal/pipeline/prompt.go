package pipeline

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/ChuLiYu/stream-gateway/internal/upstream"
)

// PromptBuilder turns a profile and the Stage 1 context into chat messages.
type PromptBuilder func(profile map[string]any, context map[string]json.RawMessage) []upstream.Message

const systemPrompt = `You are a portfolio allocation assistant.
Answer with a single JSON object and nothing else.
Use one top-level key per asset class (for example "Equities", "Bonds").
Each asset class value is an object with "allocation" (percent) and
"recommendations" (array of objects with "ticker" and "reason").
Add a top-level "context" string summarizing the market conditions you used.`

// DefaultPrompt renders the profile and context as JSON sections of the user
// message.
func DefaultPrompt(profile map[string]any, context map[string]json.RawMessage) []upstream.Message {
	var b strings.Builder
	b.WriteString("Investor profile:\n")
	if p, err := json.MarshalIndent(profile, "", "  "); err == nil {
		b.Write(p)
	} else {
		b.WriteString("{}")
	}

	if len(context) > 0 {
		names := make([]string, 0, len(context))
		for k := range context {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteString("\n\nMarket context:")
		for _, k := range names {
			b.WriteString("\n- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.Write(context[k])
		}
	}

	return []upstream.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}
