package negotiation

// Role decides who yields when both sides of a link offer at once.
type Role int

const (
	// Polite peers roll back their own offer and accept the remote one.
	Polite Role = iota
	// Impolite peers ignore a colliding remote offer.
	Impolite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// Invert returns the role the other side of the link holds.
func (r Role) Invert() Role {
	if r == Polite {
		return Impolite
	}
	return Polite
}

// RoleFor derives the local role from both identities. Both peers compute it
// independently and always disagree: the smaller identity is polite.
func RoleFor(local, remote string) Role {
	if local < remote {
		return Polite
	}
	return Impolite
}
