package reserve

import (
	"tunerd/internal/jsonstore"
)

// Parse strictly decodes a reservation list document.
func Parse(b []byte) ([]*Reservation, error) {
	var list []*Reservation
	if err := jsonstore.Decode(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Load reads the reservation store; a missing file means no
// reservations yet.
func Load(path string) ([]*Reservation, error) {
	return jsonstore.LoadOr[[]*Reservation](path, nil)
}

// Save atomically replaces the reservation store.
func Save(path string, list []*Reservation) error {
	if list == nil {
		list = []*Reservation{}
	}
	return jsonstore.Save(path, list)
}
