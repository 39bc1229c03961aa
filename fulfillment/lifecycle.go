package fulfillment

import "github.com/kisaan/fulfillment-engine/generic"

const (
	StatusPending             generic.Status = "pending"
	StatusPendingVerification generic.Status = "pending_verification"
	StatusApproved            generic.Status = "approved"
	StatusRejected            generic.Status = "rejected"
)

// Lifecycle is the fulfillment offer slice of the transition gate.
//
// pending_verification is entered only by an admin, on behalf of the
// external verification step. Approve and reject are decided by the
// listing owner (ownership is checked by the service) or an admin.
var Lifecycle = generic.Lifecycle{
	Entity:   generic.EntityFulfillmentOffer,
	Entry:    StatusPending,
	Statuses: []generic.Status{StatusPending, StatusPendingVerification, StatusApproved, StatusRejected},
	Rules: []generic.Rule{
		{From: StatusPending, To: StatusPendingVerification, Roles: []generic.Role{generic.RoleAdmin}},
		{From: StatusPending, To: StatusApproved, Roles: []generic.Role{generic.RoleListingOwner, generic.RoleAdmin}},
		{From: StatusPending, To: StatusRejected, Roles: []generic.Role{generic.RoleListingOwner, generic.RoleAdmin}},
		{From: StatusPendingVerification, To: StatusApproved, Roles: []generic.Role{generic.RoleListingOwner, generic.RoleAdmin}},
		{From: StatusPendingVerification, To: StatusRejected, Roles: []generic.Role{generic.RoleListingOwner, generic.RoleAdmin}},
	},
}

// ReleasesCapacity reports whether entering status gives the offer's
// reservations back to the listing.
func ReleasesCapacity(status generic.Status) bool {
	return status == StatusRejected
}
