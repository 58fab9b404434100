package domain

// Identity is the resolved caller handed to the lifecycle service by the auth gate.
type Identity struct {
	ID   string
	Role Role
}

// CanSeeTicket reports whether the identity may read the ticket.
func (i Identity) CanSeeTicket(t *Ticket) bool {
	return i.Role.IsStaff() || t.CreatedBy == i.ID
}
