package payments

import "fmt"

// Package is one purchasable credit bundle.
type Package struct {
	Credits     int64
	AmountCents int64
}

// PriceTable maps a package name to what it costs and grants.
type PriceTable map[string]Package

var DefaultPrices = PriceTable{
	"starter": {Credits: 100, AmountCents: 999},
	"creator": {Credits: 500, AmountCents: 3999},
	"studio":  {Credits: 1500, AmountCents: 9999},
}

// Check rejects an event whose credits or charged amount disagree with the
// package it names.
func (p PriceTable) Check(e *Event) error {
	pkg, ok := p[e.Package]
	if !ok {
		return fmt.Errorf("%w: unknown package %q", ErrPriceMismatch, e.Package)
	}
	if e.Credits != pkg.Credits || e.AmountCents != pkg.AmountCents {
		return fmt.Errorf("%w: package %q is %d credits for %d cents, event has %d for %d",
			ErrPriceMismatch, e.Package, pkg.Credits, pkg.AmountCents, e.Credits, e.AmountCents)
	}
	return nil
}
