package restock

import "github.com/kisaan/fulfillment-engine/generic"

const (
	StatusDraft     generic.Status = "draft"
	StatusPending   generic.Status = "pending"
	StatusApproved  generic.Status = "approved"
	StatusReceived  generic.Status = "received"
	StatusDelivered generic.Status = "delivered"
)

var (
	operatorSide = []generic.Role{generic.RoleOperator, generic.RoleAdmin}
	adminOnly    = []generic.Role{generic.RoleAdmin}
	editable     = []generic.Status{StatusDraft, StatusPending}
)

// Lifecycle is the bulk restock slice of the transition gate. Sending,
// receiving and delivering belong to the creating operator; approval is the
// counterpart's decision and is made by an admin. Forward steps only, one
// at a time.
var Lifecycle = generic.Lifecycle{
	Entity:   generic.EntityBulkRestock,
	Entry:    StatusDraft,
	Statuses: []generic.Status{StatusDraft, StatusPending, StatusApproved, StatusReceived, StatusDelivered},
	Rules: []generic.Rule{
		{From: StatusDraft, To: StatusPending, Roles: operatorSide},
		{From: StatusPending, To: StatusApproved, Roles: adminOnly},
		{From: StatusApproved, To: StatusReceived, Roles: operatorSide},
		{From: StatusReceived, To: StatusDelivered, Roles: operatorSide},
	},
	Actions: []generic.ActionRule{
		{Action: generic.ActionEdit, In: editable, Roles: operatorSide},
		{Action: generic.ActionDelete, In: editable, Roles: operatorSide},
	},
}
