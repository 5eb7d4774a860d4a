package agent

import (
	"context"
	"errors"

	"oxo/pkg/definitions"
	"oxo/pkg/message"
)

// VulnerabilitySelector is where agents publish findings.
const VulnerabilitySelector message.Selector = "v3.report.vulnerability"

// ErrNoKB is returned when a finding is reported by an agent built without a
// knowledge base.
var ErrNoKB = errors.New("knowledge base is not configured")

// Finding is a vulnerability observed by an agent. Entry names the knowledge
// base item describing it.
type Finding struct {
	Entry           string
	TechnicalDetail string
	// RiskRating overrides the entry's rating when set.
	RiskRating string
}

// KB returns the knowledge base the agent was built with, or nil.
func (a *Agent) KB() *definitions.KB { return a.kb }

// ReportVulnerability resolves f against the knowledge base and emits it on
// VulnerabilitySelector.
func (a *Agent) ReportVulnerability(ctx context.Context, f Finding) error {
	if a.kb == nil {
		return ErrNoKB
	}
	entry, err := a.kb.Lookup(f.Entry)
	if err != nil {
		return err
	}
	risk := entry.RiskRating
	if f.RiskRating != "" {
		risk = f.RiskRating
	}
	return a.Emit(ctx, VulnerabilitySelector, map[string]any{
		"title":             entry.Title,
		"risk_rating":       risk,
		"short_description": entry.ShortDesc,
		"description":       entry.Description,
		"references":        entry.References,
		"privacy_issue":     entry.Privacy,
		"security_issue":    entry.Security,
		"categories":        entry.Categories,
		"technical_detail":  f.TechnicalDetail,
	})
}
