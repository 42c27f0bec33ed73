package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"

	"github.com/ZanzyTHEbar/layerbridge/internal/adapters"
)

const summaryFlowName = "workflowSummary"

// defineSummaryFlow registers the flow that digests step outputs.
func defineSummaryFlow(g *genkit.Genkit) *core.Flow[*adapters.SummaryInput, string, struct{}] {
	return genkit.DefineFlow(g, summaryFlowName, func(ctx context.Context, in *adapters.SummaryInput) (string, error) {
		if in == nil {
			return "", fmt.Errorf("summary input is required")
		}
		return digest(in), nil
	})
}

// digest renders one markdown bullet per step, in step order.
func digest(in *adapters.SummaryInput) string {
	var sb strings.Builder
	title := in.Name
	if title == "" {
		title = in.WorkflowID
	}
	fmt.Fprintf(&sb, "## %s\n\n", title)
	fmt.Fprintf(&sb, "%d of %d steps produced output.\n\n", len(in.Outputs), len(in.StepOrder))
	for _, id := range in.StepOrder {
		if out, ok := in.Outputs[id]; ok {
			fmt.Fprintf(&sb, "- **%s**: %s\n", id, firstParagraph(out, 240))
			continue
		}
		if msg, ok := in.Failures[id]; ok {
			fmt.Fprintf(&sb, "- **%s** failed: %s\n", id, firstParagraph(msg, 240))
			continue
		}
		fmt.Fprintf(&sb, "- **%s**: no result\n", id)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstParagraph(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
