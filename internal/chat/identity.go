package chat

// Identity is either Local(clientID), before the server confirmed the
// message, or Confirmed(serverID).
type Identity struct {
	confirmed bool
	id        string
}

// Local returns the identity of an unconfirmed optimistic entry.
func Local(clientID string) Identity {
	return Identity{id: clientID}
}

// Confirmed returns the identity of a server-confirmed entry.
func Confirmed(serverID string) Identity {
	return Identity{confirmed: true, id: serverID}
}

// IsConfirmed reports whether the identity carries a server id.
func (i Identity) IsConfirmed() bool { return i.confirmed }

// ID returns the raw id.
func (i Identity) ID() string { return i.id }

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.id == "" }

func (i Identity) String() string {
	if i.confirmed {
		return "confirmed:" + i.id
	}
	return "local:" + i.id
}
