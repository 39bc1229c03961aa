/*
gate.go - Transition Gate: legal status changes and gated actions, as data

PURPOSE:
  One table, consulted before every status mutation and every gated action
  of every lifecycle. Keyed by (entity type, current status) and giving, per
  requested status, the roles allowed to make the move. Nothing outside the
  gate decides whether a status may change.

WHY A TABLE?
  Scattered "status is draft or pending" conditionals drift apart between
  screens. A table can be printed, diffed, reviewed and tested as data.

SHAPE:
  Lifecycle{
      Entity:   bulk_restock,
      Entry:    draft,
      Statuses: [draft pending approved received delivered],
      Rules:    [{draft -> pending: operator, admin}, ...],
      Actions:  [{edit in draft|pending: operator, admin}, ...],
  }

RESULTS:
  - status pair not in the table      -> IllegalTransition
  - pair present, role not listed     -> PermissionDenied
  - action not allowed in this status -> PermissionDenied

SEE ALSO:
  - fulfillment/lifecycle.go, catalog/lifecycle.go, restock/lifecycle.go: the rows
*/
package generic

import (
	"fmt"
	"slices"
	"strings"
)

// EntityType names a lifecycle governed by the gate.
type EntityType string

const (
	EntityFulfillmentOffer EntityType = "fulfillment_offer"
	EntityCatalogOrder     EntityType = "catalog_order"
	EntityBulkRestock      EntityType = "bulk_restock"
)

// Status is a lifecycle state. Each entity type defines its own set.
type Status string

// Action is a gated operation that does not change status.
type Action string

const (
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Rule allows Roles to move an entity from From to To.
type Rule struct {
	From  Status
	To    Status
	Roles []Role
}

// ActionRule allows Roles to perform Action while the entity is in one of In.
type ActionRule struct {
	Action Action
	In     []Status
	Roles  []Role
}

// Lifecycle is one entity type's slice of the gate table.
type Lifecycle struct {
	Entity   EntityType
	Entry    Status
	Statuses []Status
	Rules    []Rule
	Actions  []ActionRule
}

// Gate is the composed, read-only table.
type Gate struct {
	lifecycles  []Lifecycle
	byEntity    map[EntityType]int
	transitions map[EntityType]map[Status]map[Status][]Role
	actions     map[EntityType]map[Action]map[Status][]Role
}

// NewGate composes lifecycles into one table. Panics on a malformed table
// (unknown status, duplicate rule); the table is static program data.
func NewGate(lifecycles ...Lifecycle) *Gate {
	g := &Gate{
		byEntity:    make(map[EntityType]int),
		transitions: make(map[EntityType]map[Status]map[Status][]Role),
		actions:     make(map[EntityType]map[Action]map[Status][]Role),
	}
	for _, lc := range lifecycles {
		if _, dup := g.byEntity[lc.Entity]; dup {
			panic(fmt.Sprintf("gate: entity %s registered twice", lc.Entity))
		}
		if !slices.Contains(lc.Statuses, lc.Entry) {
			panic(fmt.Sprintf("gate: %s entry status %s not declared", lc.Entity, lc.Entry))
		}
		g.lifecycles = append(g.lifecycles, lc)
		g.byEntity[lc.Entity] = len(g.lifecycles) - 1

		tr := make(map[Status]map[Status][]Role)
		for _, r := range lc.Rules {
			if !slices.Contains(lc.Statuses, r.From) || !slices.Contains(lc.Statuses, r.To) {
				panic(fmt.Sprintf("gate: %s rule %s -> %s uses undeclared status", lc.Entity, r.From, r.To))
			}
			if tr[r.From] == nil {
				tr[r.From] = make(map[Status][]Role)
			}
			if _, dup := tr[r.From][r.To]; dup {
				panic(fmt.Sprintf("gate: %s rule %s -> %s declared twice", lc.Entity, r.From, r.To))
			}
			tr[r.From][r.To] = r.Roles
		}
		g.transitions[lc.Entity] = tr

		ac := make(map[Action]map[Status][]Role)
		for _, a := range lc.Actions {
			if ac[a.Action] == nil {
				ac[a.Action] = make(map[Status][]Role)
			}
			for _, s := range a.In {
				if !slices.Contains(lc.Statuses, s) {
					panic(fmt.Sprintf("gate: %s action %s uses undeclared status %s", lc.Entity, a.Action, s))
				}
				ac[a.Action][s] = a.Roles
			}
		}
		g.actions[lc.Entity] = ac
	}
	return g
}

// CheckTransition returns nil if role may move entity from -> to.
func (g *Gate) CheckTransition(entity EntityType, from, to Status, role Role) error {
	roles, ok := g.transitions[entity][from][to]
	if !ok {
		return IllegalTransition(entity, from, to, role)
	}
	if !slices.Contains(roles, role) {
		return PermissionDenied(entity, from, to, role, "role not allowed")
	}
	return nil
}

// CheckAction returns nil if role may perform action while entity is in status.
func (g *Gate) CheckAction(entity EntityType, status Status, action Action, role Role) error {
	roles, ok := g.actions[entity][action][status]
	if !ok {
		return ActionDenied(entity, status, action, role, "not allowed in this status")
	}
	if !slices.Contains(roles, role) {
		return ActionDenied(entity, status, action, role, "role not allowed")
	}
	return nil
}

// Entry is the status a new record of entity starts in.
func (g *Gate) Entry(entity EntityType) (Status, bool) {
	i, ok := g.byEntity[entity]
	if !ok {
		return "", false
	}
	return g.lifecycles[i].Entry, true
}

// Next lists every status reachable from `from` in one step, in
// declaration order, regardless of role.
func (g *Gate) Next(entity EntityType, from Status) []Status {
	i, ok := g.byEntity[entity]
	if !ok {
		return nil
	}
	var out []Status
	for _, s := range g.lifecycles[i].Statuses {
		if _, ok := g.transitions[entity][from][s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Allowed lists the statuses role may move to from `from`.
func (g *Gate) Allowed(entity EntityType, from Status, role Role) []Status {
	var out []Status
	for _, s := range g.Next(entity, from) {
		if slices.Contains(g.transitions[entity][from][s], role) {
			out = append(out, s)
		}
	}
	return out
}

// Statuses lists the declared statuses of entity.
func (g *Gate) Statuses(entity EntityType) []Status {
	i, ok := g.byEntity[entity]
	if !ok {
		return nil
	}
	return slices.Clone(g.lifecycles[i].Statuses)
}

// Knows reports whether status is declared for entity.
func (g *Gate) Knows(entity EntityType, status Status) bool {
	return slices.Contains(g.Statuses(entity), status)
}

// Entities lists the registered entity types in registration order.
func (g *Gate) Entities() []EntityType {
	out := make([]EntityType, 0, len(g.lifecycles))
	for _, lc := range g.lifecycles {
		out = append(out, lc.Entity)
	}
	return out
}

// Render prints the table, one rule per line, in declaration order.
func (g *Gate) Render() string {
	var b strings.Builder
	for i, lc := range g.lifecycles {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# %s (entry: %s)\n", lc.Entity, lc.Entry)
		for _, r := range lc.Rules {
			fmt.Fprintf(&b, "%s -> %s [%s]\n", r.From, r.To, joinRoles(r.Roles))
		}
		for _, a := range lc.Actions {
			fmt.Fprintf(&b, "%s in %s [%s]\n", a.Action, joinStatuses(a.In), joinRoles(a.Roles))
		}
	}
	return b.String()
}

func joinRoles(roles []Role) string {
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, " ")
}

func joinStatuses(statuses []Status) string {
	s := make([]string, len(statuses))
	for i, st := range statuses {
		s[i] = string(st)
	}
	return strings.Join(s, "|")
}
