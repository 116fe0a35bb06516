package pipeline

import (
	"fmt"
	"strings"

	"github.com/knoguchi/flashrag/internal/reranker"
)

const defaultSystemPrompt = `You are a concise knowledge assistant. Answer questions using the provided documents.

IMPORTANT: Be brief and direct. Most answers should be 2-5 sentences.

Rules:
- Give the direct answer first, then brief supporting details only if needed
- Do NOT include code examples unless specifically asked for code
- If the documents don't cover the topic, say "The documents don't cover this."
- Never invent information not in the provided documents`

// buildPrompt lays out the ranked passages followed by the question.
// Relevance scores are left out so they do not bias the model.
func buildPrompt(passages []reranker.Ranked, query string) string {
	var sb strings.Builder

	if len(passages) == 0 {
		sb.WriteString("No documents matched this question. Answer from general knowledge and say that no documents were found.\n\n")
	} else {
		sb.WriteString("## Context Documents\n\n")
		for i, p := range passages {
			fmt.Fprintf(&sb, "[Doc %d]", i+1)
			if title := p.Metadata["title"]; title != "" {
				fmt.Fprintf(&sb, " (Title: %s)", title)
			}
			if source := p.Metadata["source"]; source != "" {
				fmt.Fprintf(&sb, " (Source: %s)", source)
			}
			sb.WriteString("\n")
			sb.WriteString(p.Text)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	sb.WriteString("## Answer (be brief and direct)\n")

	return sb.String()
}

func contextTexts(passages []reranker.Ranked) []string {
	if len(passages) == 0 {
		return nil
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	return texts
}
