package app

import (
	"context"
	"fmt"

	"lexdraft/api/internal/store"
)

var defaultTemplates = []store.Template{
	{
		ID:          "tpl_mutual_nda",
		Name:        "Mutual NDA",
		Category:    "confidentiality",
		Description: "Two-way non-disclosure agreement between companies.",
		Prompt:      "Draft a mutual non-disclosure agreement between two companies with a two-year term, standard carve-outs for public and independently developed information, and return-or-destroy obligations on termination.",
	},
	{
		ID:          "tpl_services_agreement",
		Name:        "Master Services Agreement",
		Category:    "commercial",
		Description: "Framework agreement for ongoing professional services.",
		Prompt:      "Draft a master services agreement covering statements of work, fees and invoicing, intellectual property ownership of deliverables, limitation of liability, and termination for convenience with thirty days notice.",
	},
	{
		ID:          "tpl_commercial_lease",
		Name:        "Commercial Lease",
		Category:    "real_estate",
		Description: "Office lease with rent escalation and maintenance terms.",
		Prompt:      "Draft a commercial office lease with a five-year term, annual rent escalation, tenant improvement allowance, maintenance responsibilities, and an option to renew.",
	},
	{
		ID:          "tpl_employment_offer",
		Name:        "Employment Offer Letter",
		Category:    "employment",
		Description: "At-will offer letter with compensation and confidentiality terms.",
		Prompt:      "Draft an at-will employment offer letter stating title, base salary, equity grant subject to vesting, benefits eligibility, and a confidentiality and invention assignment requirement.",
	},
}

// SeedTemplates inserts the built-in templates. Existing ids are left as
// they are.
func (s *Service) SeedTemplates(ctx context.Context) error {
	for _, t := range defaultTemplates {
		if err := s.store.InsertTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.ID, err)
		}
	}
	return nil
}
