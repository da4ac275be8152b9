package safety

import (
	"strings"

	"github.com/sentrahq/sentra/internal/store"
)

// Escalation is a detected human-handoff condition.
type Escalation struct {
	Category string
	Urgency  Urgency
	Triggers []string
	Template string
}

// DetectEscalation scans text against the escalation routes in priority
// order. The first enabled category with at least one keyword hit wins and
// reports every keyword of that category found in the text. Matching is
// case-insensitive substring search; text is assumed already
// whitespace-normalized by the sanitizer.
func DetectEscalation(text string, routes []store.EscalationSetting) *Escalation {
	lower := strings.ToLower(text)
	for _, route := range routes {
		if !route.Enabled || len(route.Keywords) == 0 {
			continue
		}
		var triggers []string
		for _, kw := range route.Keywords {
			needle := strings.ToLower(strings.TrimSpace(kw))
			if needle == "" {
				continue
			}
			if strings.Contains(lower, needle) {
				triggers = append(triggers, kw)
			}
		}
		if len(triggers) > 0 {
			return &Escalation{
				Category: route.Category,
				Urgency:  UrgencyFor(route.Category),
				Triggers: triggers,
				Template: route.ResponseTemplate,
			}
		}
	}
	return nil
}
