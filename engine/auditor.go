/*
auditor.go - Ledger reconciliation

PURPOSE:
  Walks every ledger entry and repairs what can be repaired safely while
  reporting what cannot.

CHECKS:
  1. Invariants: committed == sum of holds, 0 <= committed <= total.
     A violation marks the entry faulted and is logged loudly. Committed
     is never corrected here; an admin clears the fault once investigated.
  2. Orphaned holds: a hold whose record
       - does not exist and the hold is older than OrphanGrace
         (process died between reserve and record write, or a deleted
         restock order whose release was interrupted), or
       - is in a status that gives capacity back (rejected offer, rejected
         catalog order) but still holds quantity.
     Orphans are released.
  3. Hold drift: a hold on a live record that differs from the quantity
     the record carries on that pool, once both the hold and the record
     are older than OrphanGrace. Excess is released down to the record
     quantity; a shortfall marks the entry faulted.

SEE ALSO:
  - api/scheduler.go: runs the auditor periodically
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kisaan/fulfillment-engine/catalog"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/restock"
	"github.com/shopspring/decimal"
)

// DefaultOrphanGrace is how long a hold without a record is left alone.
const DefaultOrphanGrace = 2 * time.Minute

type Auditor struct {
	Ledger        *generic.QuantityLedger
	Offers        fulfillment.Repository
	CatalogOrders catalog.Repository
	RestockOrders restock.Repository
	OrphanGrace   time.Duration
	Now           func() time.Time
}

func NewAuditor(ledger *generic.QuantityLedger, offers fulfillment.Repository, orders catalog.Repository, restocks restock.Repository) *Auditor {
	return &Auditor{
		Ledger:        ledger,
		Offers:        offers,
		CatalogOrders: orders,
		RestockOrders: restocks,
		OrphanGrace:   DefaultOrphanGrace,
		Now:           time.Now,
	}
}

// AuditReport summarizes one run.
type AuditReport struct {
	StartedAt       time.Time        `json:"started_at"`
	EntriesScanned  int              `json:"entries_scanned"`
	Faults          []FaultedEntry   `json:"faults"`
	OrphansReleased []ReleasedOrphan `json:"orphans_released"`
	Errors          []string         `json:"errors,omitempty"`
}

type FaultedEntry struct {
	Key    string `json:"key"`
	Detail string `json:"detail"`
	New    bool   `json:"new"`
}

type ReleasedOrphan struct {
	Key      string          `json:"key"`
	Ref      generic.HoldRef `json:"ref"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

// Run performs one full pass. Per-entry failures are collected in the
// report; only a failure to list the ledger aborts the run.
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	now := a.Now().UTC()
	report := AuditReport{StartedAt: now, Faults: []FaultedEntry{}, OrphansReleased: []ReleasedOrphan{}}

	entries, err := a.Ledger.Store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("listing ledger entries: %w", err)
	}

	for _, e := range entries {
		report.EntriesScanned++

		switch detail := e.Violation(); {
		case e.Faulted:
			report.Faults = append(report.Faults, FaultedEntry{Key: e.Key.String(), Detail: e.FaultDetail})
		case detail != "":
			if err := a.Ledger.MarkFault(ctx, e.Key, detail); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("marking %s faulted: %v", e.Key, err))
			}
			report.Faults = append(report.Faults, FaultedEntry{Key: e.Key.String(), Detail: detail, New: true})
		}

		faulted := e.Faulted || e.Violation() != ""
		for _, ref := range e.SortedRefs() {
			hold := e.Holds[ref]
			rec, err := a.lookup(ctx, ref)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("checking %s on %s: %v", ref, e.Key, err))
				continue
			}
			switch {
			case !rec.known:
			case !rec.exists:
				if now.Sub(hold.At) >= a.OrphanGrace {
					a.releaseHold(ctx, &report, e.Key, ref, hold.Quantity, decimal.Zero, "record does not exist")
				}
			case rec.releasing:
				a.releaseHold(ctx, &report, e.Key, ref, hold.Quantity, decimal.Zero, fmt.Sprintf("record is %s", rec.status))
			case now.Sub(hold.At) < a.OrphanGrace || now.Sub(rec.updatedAt) < a.OrphanGrace:
			default:
				want := rec.quantityOn(e.Key)
				switch hold.Quantity.Cmp(want) {
				case 1:
					a.releaseHold(ctx, &report, e.Key, ref, hold.Quantity, want,
						fmt.Sprintf("hold %s exceeds record quantity %s", hold.Quantity, want))
				case -1:
					if faulted {
						continue
					}
					detail := fmt.Sprintf("hold %s of %s is below record quantity %s", hold.Quantity, ref, want)
					if err := a.Ledger.MarkFault(ctx, e.Key, detail); err != nil {
						report.Errors = append(report.Errors, fmt.Sprintf("marking %s faulted: %v", e.Key, err))
						continue
					}
					faulted = true
					report.Faults = append(report.Faults, FaultedEntry{Key: e.Key.String(), Detail: detail, New: true})
				}
			}
		}
	}

	if len(report.Faults) > 0 || len(report.OrphansReleased) > 0 || len(report.Errors) > 0 {
		log.Printf("[Auditor] Completed: %d entries, %d faulted, %d orphans released, %d errors",
			report.EntriesScanned, len(report.Faults), len(report.OrphansReleased), len(report.Errors))
	}
	return report, nil
}

// releaseHold lowers ref's hold on key to keep and records what was given back.
func (a *Auditor) releaseHold(ctx context.Context, report *AuditReport, key generic.LedgerKey, ref generic.HoldRef, held, keep decimal.Decimal, reason string) {
	var err error
	if keep.IsZero() {
		err = a.Ledger.ReleaseAll(ctx, key, ref)
	} else {
		_, err = a.Ledger.Set(ctx, key, ref, keep)
	}
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("releasing %s on %s: %v", ref, key, err))
		return
	}
	freed := held.Sub(keep)
	log.Printf("[Auditor] Released %s of hold %s on %s: %s", freed, ref, key, reason)
	report.OrphansReleased = append(report.OrphansReleased, ReleasedOrphan{
		Key: key.String(), Ref: ref, Quantity: freed, Reason: reason,
	})
}

// auditedRecord is what the auditor needs to know about a hold's owner.
type auditedRecord struct {
	known      bool
	exists     bool
	status     generic.Status
	releasing  bool
	updatedAt  time.Time
	quantityOn func(generic.LedgerKey) decimal.Decimal
}

// lookup loads the record owning ref. Unknown hold kinds come back with
// known unset and are left alone.
func (a *Auditor) lookup(ctx context.Context, ref generic.HoldRef) (auditedRecord, error) {
	kind, id := ref.Split()
	rec := auditedRecord{known: true, exists: true}
	var err error

	switch kind {
	case "offer":
		var o fulfillment.Offer
		o, err = a.Offers.Get(ctx, id)
		rec.status, rec.releasing, rec.updatedAt, rec.quantityOn = o.Status, fulfillment.ReleasesCapacity(o.Status), o.UpdatedAt, o.QuantityOn
	case "catalog":
		var o catalog.Order
		o, err = a.CatalogOrders.Get(ctx, id)
		rec.status, rec.releasing, rec.updatedAt, rec.quantityOn = o.Status, catalog.ReleasesCapacity(o.Status), o.UpdatedAt, o.QuantityOn
	case "restock":
		var o restock.Order
		o, err = a.RestockOrders.Get(ctx, id)
		rec.status, rec.updatedAt, rec.quantityOn = o.Status, o.UpdatedAt, o.QuantityOn
	default:
		log.Printf("[Auditor] Unknown hold kind %q in %s, skipping", kind, ref)
		return auditedRecord{}, nil
	}

	if errors.Is(err, generic.ErrNotFound) {
		return auditedRecord{known: true}, nil
	}
	if err != nil {
		return auditedRecord{}, err
	}
	return rec, nil
}
