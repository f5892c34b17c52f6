package composer

import (
	"log/slog"
	"strings"

	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/retrieval"
)

const defaultMaxContextTokens = 4000

// DefaultInstruction opens every system message.
const DefaultInstruction = "You are an assistant that answers questions about the user's documents. " +
	"Answer using only the context below. If the context does not contain the answer, say so. " +
	"Reply in the language of the question."

// Composer assembles the message list sent to the generation backend: a
// system message holding the instruction, the retrieved context and the
// question, then the session history, then the new user turn.
type Composer struct {
	MaxContextTokens int
	Instruction      string

	logger *slog.Logger
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{
		MaxContextTokens: maxContextTokens,
		Instruction:      DefaultInstruction,
		logger:           slog.Default(),
	}
}

// Compose builds the full message list. history is copied, never modified.
func (c *Composer) Compose(results []retrieval.Result, history []engine.Message, question string) []engine.Message {
	msgs := make([]engine.Message, 0, len(history)+2)
	msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: c.SystemPrompt(results, question)})
	msgs = append(msgs, history...)
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: question})
	return msgs
}

// SystemPrompt renders the system message. Chunks appear in ranked order
// and are not deduplicated; a chunk that does not fit the remaining budget
// is skipped and logged at debug level.
func (c *Composer) SystemPrompt(results []retrieval.Result, question string) string {
	var sb strings.Builder
	sb.WriteString(c.Instruction)

	sb.WriteString("\n\nContext:\n")
	remaining := c.MaxContextTokens
	var (
		n       int
		skipped []int
	)
	for _, r := range results {
		tokens := EstimateTokens(r.Chunk.Text)
		if tokens > remaining {
			skipped = append(skipped, r.Position)
			continue
		}
		if n > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(r.Chunk.Text)
		remaining -= tokens
		n++
	}
	if n == 0 {
		sb.WriteString("(no relevant passages found)")
	}
	if len(skipped) > 0 && c.logger != nil {
		c.logger.Debug("context chunks over token budget", "skipped", len(skipped),
			"positions", skipped, "kept", n, "budget", c.MaxContextTokens)
	}

	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
