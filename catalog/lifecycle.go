package catalog

import "github.com/kisaan/fulfillment-engine/generic"

const (
	StatusPending   generic.Status = "pending"
	StatusAccepted  generic.Status = "accepted"
	StatusRejected  generic.Status = "rejected"
	StatusDelivered generic.Status = "delivered"
)

var sellerSide = []generic.Role{generic.RoleOperator, generic.RoleAdmin}

// Lifecycle is the catalog order slice of the transition gate. Only the
// seller side decides and delivers.
var Lifecycle = generic.Lifecycle{
	Entity:   generic.EntityCatalogOrder,
	Entry:    StatusPending,
	Statuses: []generic.Status{StatusPending, StatusAccepted, StatusRejected, StatusDelivered},
	Rules: []generic.Rule{
		{From: StatusPending, To: StatusAccepted, Roles: sellerSide},
		{From: StatusPending, To: StatusRejected, Roles: sellerSide},
		{From: StatusAccepted, To: StatusDelivered, Roles: sellerSide},
	},
}

// ReleasesCapacity reports whether entering status gives the reserved
// product stock back.
func ReleasesCapacity(status generic.Status) bool {
	return status == StatusRejected
}
