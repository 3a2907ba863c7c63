package agent

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const systemPrompt = `You are an ontology modeling assistant working on a shared canvas.
The canvas holds typed nodes (SYS system, SUB subsystem, UC use case, ACT actor, REQ requirement, IFC interface)
connected by typed edges (compose, include, extend, associate, depend).

You receive the current canvas state and an instruction. Respond with a batch of operations.

Rules:
- Reference existing nodes by their semantic id exactly as shown in the canvas state.
- Reuse existing nodes instead of creating near-duplicates; the "Possibly related nodes" section lists candidates.
- Every create_node needs a temp_id; operations using the new node must list the creating operation in depends_on.
- Semantic ids follow Name.Code.NNN where Code is SY, SU, UC, AC, RQ or IF.
- Keep descriptions to one or two sentences.`

// BuildPrompt assembles the user prompt from the instruction and the
// serialized canvas context.
func BuildPrompt(instruction, canvasContext string) string {
	var b strings.Builder
	b.WriteString("Current canvas state:\n")
	if strings.TrimSpace(canvasContext) == "" {
		b.WriteString("(empty canvas)\n")
	} else {
		b.WriteString(canvasContext)
		if !strings.HasSuffix(canvasContext, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nInstruction:\n")
	b.WriteString(instruction)
	return b.String()
}

// SystemPrompt returns the shared system prompt for batch proposals.
func SystemPrompt() string {
	return systemPrompt
}

// TrimContext cuts the serialized canvas to a token budget, dropping
// whole lines from the end so the remaining text stays parseable.
func TrimContext(context string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return context, nil
	}
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return "", err
	}
	if len(enc.Encode(context, nil, nil)) <= maxTokens {
		return context, nil
	}

	lines := strings.Split(context, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if len(enc.Encode(candidate, nil, nil)) <= maxTokens {
			return candidate, nil
		}
	}
	return "", nil
}
