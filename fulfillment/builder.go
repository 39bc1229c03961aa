package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/shopspring/decimal"
)

// Builder validates candidate offers against a listing snapshot.
type Builder struct {
	Listings market.ListingSource
	Ledger   *generic.QuantityLedger
}

func NewBuilder(listings market.ListingSource, ledger *generic.QuantityLedger) *Builder {
	return &Builder{Listings: listings, Ledger: ledger}
}

// Build returns a draft or a ValidationError. Zero quantities mean "not
// selected" and are dropped. Each remaining line is checked against the
// ledger's remaining quantity at read time; this is advisory only, Submit
// makes the authoritative check.
func (b *Builder) Build(ctx context.Context, listingID string, candidate []Line, actor generic.Actor) (Draft, error) {
	if err := actor.Validate(); err != nil {
		return Draft{}, err
	}
	listing, err := b.listing(ctx, listingID)
	if err != nil {
		return Draft{}, err
	}
	lines, err := checkLines(listing, candidate, actor)
	if err != nil {
		return Draft{}, err
	}

	for _, l := range lines {
		remaining, err := b.remaining(ctx, listing, l.LineItemKey)
		if err != nil {
			return Draft{}, err
		}
		if l.Quantity.GreaterThan(remaining) {
			return Draft{}, &generic.ValidationError{
				Field:  "lines",
				Reason: fmt.Sprintf("%s: requested %s exceeds remaining %s", l.LineItemKey, l.Quantity, remaining),
			}
		}
	}
	return Draft{ListingID: listing.ID, RequestedBy: actor.ID, Lines: lines}, nil
}

func (b *Builder) listing(ctx context.Context, listingID string) (market.Listing, error) {
	if listingID == "" {
		return market.Listing{}, &generic.ValidationError{Field: "listing_id", Reason: "listing id is required"}
	}
	listing, err := b.Listings.GetListing(ctx, listingID)
	if err != nil {
		return market.Listing{}, fmt.Errorf("reading listing %s: %w", listingID, err)
	}
	if listing.Status != market.ListingActive {
		return market.Listing{}, &generic.ValidationError{Field: "listing_id", Reason: fmt.Sprintf("listing %s is not active", listingID)}
	}
	return listing, nil
}

// remaining is the advisory remaining quantity of one line. A pool that was
// never used has the full line quantity left.
func (b *Builder) remaining(ctx context.Context, listing market.Listing, key market.LineItemKey) (decimal.Decimal, error) {
	r, err := b.Ledger.Remaining(ctx, listing.LedgerKey(key))
	if errors.Is(err, generic.ErrNotFound) {
		li, _ := listing.Line(key)
		return li.QuantityTotal, nil
	}
	return r, err
}

// checkLines applies the structural rules shared by Build and Submit and
// returns the selected lines sorted by key.
func checkLines(listing market.Listing, candidate []Line, actor generic.Actor) ([]Line, error) {
	if actor.ID == listing.OwnerID {
		return nil, &generic.ValidationError{Field: "listing_id", Reason: "cannot make an offer on your own listing"}
	}
	seen := make(map[market.LineItemKey]bool, len(candidate))
	var lines []Line
	for _, c := range candidate {
		if _, ok := listing.Line(c.LineItemKey); !ok {
			return nil, &generic.ValidationError{Field: "lines", Reason: fmt.Sprintf("unknown line item %s", c.LineItemKey)}
		}
		if seen[c.LineItemKey] {
			return nil, &generic.ValidationError{Field: "lines", Reason: fmt.Sprintf("duplicate line item %s", c.LineItemKey)}
		}
		seen[c.LineItemKey] = true
		switch c.Quantity.Sign() {
		case -1:
			return nil, &generic.ValidationError{Field: "lines", Reason: fmt.Sprintf("%s: quantity must not be negative", c.LineItemKey)}
		case 0:
			continue
		}
		lines = append(lines, c)
	}
	if len(lines) == 0 {
		return nil, &generic.ValidationError{Field: "lines", Reason: "at least one line must have a positive quantity"}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].LineItemKey.String() < lines[j].LineItemKey.String() })
	return lines, nil
}
