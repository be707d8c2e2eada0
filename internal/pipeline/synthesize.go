package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalbrief/briefd/internal/budget"
	"github.com/signalbrief/briefd/internal/rank"
	"github.com/signalbrief/briefd/internal/store"
	"github.com/signalbrief/briefd/internal/textutil"
)

const synthesisSystemPrompt = "You are a news brief writer. Write a tight, factual digest of the " +
	"stories provided. One short paragraph per story, most important first. " +
	"No headlines, no bullet points, no commentary, no speculation."

// synthesizeSection writes one brief section. The budget gateway decides
// how much the call may spend; an exhausted budget or degradation level 4
// falls back to an extractive summary built from the ranked clusters, so
// the brief always ships. Degradation is section-scoped: one drained
// section goes extractive without dragging the rest down.
func (o *Orchestrator) synthesizeSection(ctx context.Context, runID int64, section string, scored []rank.Scored) (store.SectionRecord, error) {
	level, err := o.gateway.SectionLevel(ctx, section)
	if err != nil {
		return store.SectionRecord{}, err
	}

	top := scored
	if cap := budget.MaxClustersForLevel(level); len(top) > cap {
		top = top[:cap]
	}

	if level >= 4 || o.provider == nil {
		return extractiveSection(runID, section, top), nil
	}

	grant, err := o.gateway.Authorize(ctx, section, budget.SynthesisTokensForLevel(level))
	if err != nil {
		var exhausted budget.ErrExhausted
		var sectionExhausted budget.ErrSectionExhausted
		if errors.As(err, &exhausted) || errors.As(err, &sectionExhausted) {
			o.logger.Printf("section %q extractive fallback: %v", section, err)
			return extractiveSection(runID, section, top), nil
		}
		return store.SectionRecord{}, err
	}

	user := synthesisPrompt(top)
	completion, err := o.provider.Complete(ctx, synthesisSystemPrompt, user, grant.MaxTokens)
	if err != nil {
		// The call may have consumed tokens even on failure; nothing to
		// settle without usage data, so fall back rather than lose the
		// section.
		o.logger.Printf("section %q completion failed, extractive fallback: %v", section, err)
		return extractiveSection(runID, section, top), nil
	}
	if err := o.gateway.Settle(ctx, store.LedgerEntry{
		RunID:            &runID,
		Section:          section,
		Purpose:          "synthesize",
		Model:            o.provider.Model(),
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
		CostUSD:          completion.Usage.CostUSD,
		LatencyMS:        completion.Usage.LatencyMS,
	}); err != nil {
		return store.SectionRecord{}, err
	}

	body := strings.TrimSpace(completion.Text)
	if body == "" {
		return extractiveSection(runID, section, top), nil
	}
	return store.SectionRecord{
		RunID:      runID,
		Section:    section,
		Body:       body,
		Extractive: false,
		TokensUsed: completion.Usage.TotalTokens,
	}, nil
}

// synthesisPrompt lays the ranked stories out for the model, best first.
func synthesisPrompt(scored []rank.Scored) string {
	var b strings.Builder
	for i, s := range scored {
		rep := representativeItem(s)
		fmt.Fprintf(&b, "[Story %d] %s\n", i+1, rep.Title)
		body := rep.Content
		if body == "" {
			body = rep.Summary
		}
		fmt.Fprintf(&b, "%s\n\n", textutil.Truncate(body, 150))
	}
	return b.String()
}

// extractiveSection builds a no-spend section body from representative
// titles and lead sentences.
func extractiveSection(runID int64, section string, scored []rank.Scored) store.SectionRecord {
	var parts []string
	for _, s := range scored {
		rep := representativeItem(s)
		body := rep.Content
		if body == "" {
			body = rep.Summary
		}
		lead := textutil.LeadSentences(body, 2)
		if lead == "" {
			lead = rep.Title
		} else {
			lead = rep.Title + ": " + lead
		}
		parts = append(parts, lead)
	}
	return store.SectionRecord{
		RunID:      runID,
		Section:    section,
		Body:       strings.Join(parts, "\n\n"),
		Extractive: true,
	}
}

func representativeItem(s rank.Scored) store.ItemRecord {
	for _, item := range s.Items {
		if item.ID == s.RepresentativeItemID {
			return item
		}
	}
	if len(s.Items) > 0 {
		return s.Items[0]
	}
	return store.ItemRecord{}
}
