package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// PlanDefinition describes the economics of a subscription plan.
type PlanDefinition struct {
	PlanID               PlanID
	DurationMonths       int
	FreeCreditsPerMonth  Credits
	BonusCreditsPerMonth Credits
	PriceIDs             []string
}

// TotalCreditsPerMonth is the amount granted per billing cadence.
func (plan PlanDefinition) TotalCreditsPerMonth() Credits {
	return plan.FreeCreditsPerMonth + plan.BonusCreditsPerMonth
}

// PeriodSeconds is the billing period expressed in fixed cadences.
func (plan PlanDefinition) PeriodSeconds(cadenceSeconds int64) int64 {
	return int64(plan.DurationMonths) * cadenceSeconds
}

// PlanCatalog is an immutable lookup of plan definitions.
type PlanCatalog struct {
	plans   map[PlanID]PlanDefinition
	byPrice map[string]PlanID
}

// NewPlanCatalog validates and indexes plan definitions.
func NewPlanCatalog(plans ...PlanDefinition) (*PlanCatalog, error) {
	catalog := &PlanCatalog{
		plans:   make(map[PlanID]PlanDefinition, len(plans)),
		byPrice: make(map[string]PlanID),
	}
	for _, plan := range plans {
		if plan.PlanID.IsZero() {
			return nil, fmt.Errorf("%w: plan id is required", ErrInvalidServiceConfig)
		}
		if plan.DurationMonths <= 0 {
			return nil, fmt.Errorf("%w: plan %s duration must be positive", ErrInvalidServiceConfig, plan.PlanID)
		}
		if plan.FreeCreditsPerMonth < 0 || plan.BonusCreditsPerMonth < 0 || plan.TotalCreditsPerMonth() == 0 {
			return nil, fmt.Errorf("%w: plan %s must grant credits", ErrInvalidServiceConfig, plan.PlanID)
		}
		if _, exists := catalog.plans[plan.PlanID]; exists {
			return nil, fmt.Errorf("%w: duplicate plan %s", ErrInvalidServiceConfig, plan.PlanID)
		}
		priceIDs := make([]string, 0, len(plan.PriceIDs))
		for _, priceID := range plan.PriceIDs {
			trimmed := strings.TrimSpace(priceID)
			if trimmed == "" {
				continue
			}
			if owner, taken := catalog.byPrice[trimmed]; taken {
				return nil, fmt.Errorf("%w: price %s mapped to %s and %s", ErrInvalidServiceConfig, trimmed, owner, plan.PlanID)
			}
			catalog.byPrice[trimmed] = plan.PlanID
			priceIDs = append(priceIDs, trimmed)
		}
		plan.PriceIDs = priceIDs
		catalog.plans[plan.PlanID] = plan
	}
	return catalog, nil
}

// Lookup returns the definition for a plan id.
func (catalog *PlanCatalog) Lookup(planID PlanID) (PlanDefinition, error) {
	plan, ok := catalog.plans[planID]
	if !ok {
		return PlanDefinition{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidPlan, planID.String())
	}
	return plan, nil
}

// LookupByPrice resolves a payment-provider price id to a plan.
func (catalog *PlanCatalog) LookupByPrice(priceID string) (PlanDefinition, error) {
	planID, ok := catalog.byPrice[strings.TrimSpace(priceID)]
	if !ok {
		return PlanDefinition{}, fmt.Errorf("%w: unknown price %q", ErrInvalidPlan, priceID)
	}
	return catalog.plans[planID], nil
}

// Plans returns all definitions ordered by plan id.
func (catalog *PlanCatalog) Plans() []PlanDefinition {
	out := make([]PlanDefinition, 0, len(catalog.plans))
	for _, plan := range catalog.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(left, right int) bool {
		return out[left].PlanID.String() < out[right].PlanID.String()
	})
	return out
}

// CreditPackage is a one-off credit purchase option.
type CreditPackage struct {
	PackageID  string
	Credits    PositiveCredits
	PriceCents int64
}

// PackageCatalog validates one-off payments against the known price table.
type PackageCatalog struct {
	packages []CreditPackage
}

// NewPackageCatalog validates credit packages.
func NewPackageCatalog(packages ...CreditPackage) (*PackageCatalog, error) {
	seenIDs := make(map[string]struct{}, len(packages))
	seenPrices := make(map[int64]struct{}, len(packages))
	normalized := make([]CreditPackage, 0, len(packages))
	for _, creditPackage := range packages {
		creditPackage.PackageID = strings.TrimSpace(creditPackage.PackageID)
		if creditPackage.PackageID == "" {
			return nil, fmt.Errorf("%w: package id is required", ErrInvalidServiceConfig)
		}
		if creditPackage.Credits <= 0 || creditPackage.PriceCents <= 0 {
			return nil, fmt.Errorf("%w: package %s must have positive credits and price", ErrInvalidServiceConfig, creditPackage.PackageID)
		}
		if _, exists := seenIDs[creditPackage.PackageID]; exists {
			return nil, fmt.Errorf("%w: duplicate package %s", ErrInvalidServiceConfig, creditPackage.PackageID)
		}
		if _, exists := seenPrices[creditPackage.PriceCents]; exists {
			return nil, fmt.Errorf("%w: duplicate package price %d", ErrInvalidServiceConfig, creditPackage.PriceCents)
		}
		seenIDs[creditPackage.PackageID] = struct{}{}
		seenPrices[creditPackage.PriceCents] = struct{}{}
		normalized = append(normalized, creditPackage)
	}
	return &PackageCatalog{packages: normalized}, nil
}

// MatchPayment finds the package paid for. A non-empty package id must agree with the amount.
func (catalog *PackageCatalog) MatchPayment(amountCents int64, packageID string) (CreditPackage, error) {
	packageID = strings.TrimSpace(packageID)
	for _, creditPackage := range catalog.packages {
		if creditPackage.PriceCents != amountCents {
			continue
		}
		if packageID != "" && packageID != creditPackage.PackageID {
			return CreditPackage{}, fmt.Errorf("%w: amount %d does not match package %q", ErrInvalidPackage, amountCents, packageID)
		}
		return creditPackage, nil
	}
	return CreditPackage{}, fmt.Errorf("%w: no package priced %d", ErrInvalidPackage, amountCents)
}

// Packages returns the configured packages.
func (catalog *PackageCatalog) Packages() []CreditPackage {
	return append([]CreditPackage(nil), catalog.packages...)
}

// MailService identifies a billable action on a piece of mail.
type MailService string

const (
	ServiceScan     MailService = "scan"
	ServiceDelivery MailService = "delivery"
)

// ParseService validates a service name.
func ParseService(raw string) (MailService, error) {
	service := MailService(strings.ToLower(strings.TrimSpace(raw)))
	switch service {
	case ServiceScan, ServiceDelivery:
		return service, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidService, raw)
	}
}

// String returns the stored representation.
func (service MailService) String() string {
	return string(service)
}

// ServicePrices maps each service to its credit cost.
type ServicePrices struct {
	Scan     PositiveCredits
	Delivery PositiveCredits
}

// Quote prices a set of services. Duplicates are charged once.
func (prices ServicePrices) Quote(services []MailService) ([]MailService, PositiveCredits, error) {
	if len(services) == 0 {
		return nil, 0, fmt.Errorf("%w: at least one service is required", ErrInvalidService)
	}
	seen := make(map[MailService]struct{}, len(services))
	normalized := make([]MailService, 0, len(services))
	var total int64
	for _, service := range services {
		if _, duplicate := seen[service]; duplicate {
			continue
		}
		seen[service] = struct{}{}
		switch service {
		case ServiceScan:
			total += prices.Scan.Int64()
		case ServiceDelivery:
			total += prices.Delivery.Int64()
		default:
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidService, service)
		}
		normalized = append(normalized, service)
	}
	sort.Slice(normalized, func(left, right int) bool { return normalized[left] < normalized[right] })
	cost, err := NewPositiveCredits(total)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: service prices are not configured", ErrInvalidServiceConfig)
	}
	return normalized, cost, nil
}
