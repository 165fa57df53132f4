package memstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/asientohq/asiento/internal/tracing"
)

// ContextForConversation retrieves the memories most relevant to a user
// message and renders them as a prompt section. It never fails: any error is
// swallowed into an empty result, because injected memory is a best-effort
// enrichment and must not block the turn. Returns "" when there is nothing
// to inject so the caller can omit the section entirely.
func (s *Store) ContextForConversation(ctx context.Context, tenantID, userID, userMessage string) string {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	records, err := s.Search(ctx, tenantID, userID, userMessage, ScopeAll, s.contextLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Memory context retrieval failed")
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	var orgFacts, userFacts []Record
	for _, rec := range records {
		if rec.UserID == "" {
			orgFacts = append(orgFacts, rec)
		} else {
			userFacts = append(userFacts, rec)
		}
	}

	var b strings.Builder
	b.WriteString("Relevant stored context:\n")

	if len(orgFacts) > 0 {
		b.WriteString("\nOrganization context:\n")
		for _, rec := range orgFacts {
			fmt.Fprintf(&b, "- [%s] %s\n", rec.Category, rec.Content)
		}
	}
	if len(userFacts) > 0 {
		b.WriteString("\nUser preferences:\n")
		for _, rec := range userFacts {
			fmt.Fprintf(&b, "- [%s] %s\n", rec.Category, rec.Content)
		}
	}

	return b.String()
}
