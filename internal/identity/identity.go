// Package identity maps (charger serial, connector id) pairs to the canonical
// lookup keys used by the connection and log registries. A charge point may
// address the whole station ("all"), a single connector, or no connector at
// all while one is still being negotiated ("pending").
package identity

import "strconv"

const (
	// AggregateSlug is the whole-station view, used when no connector is given.
	AggregateSlug = "all"
	// PendingSlug marks a connection whose connector id has not been learned yet.
	PendingSlug = "pending"

	sep = "#"
)

// ConnectorSlug normalizes a connector value to its key slug. Nil, empty and
// "all" collapse to the aggregate slug; numeric strings keep their integer
// form; anything else is passed through as-is.
func ConnectorSlug(connector any) string {
	switch v := connector.(type) {
	case nil:
		return AggregateSlug
	case int:
		return strconv.Itoa(v)
	case *int:
		if v == nil {
			return AggregateSlug
		}
		return strconv.Itoa(*v)
	case float64:
		return strconv.Itoa(int(v))
	case string:
		if v == "" || v == AggregateSlug {
			return AggregateSlug
		}
		if n, err := strconv.Atoi(v); err == nil {
			return strconv.Itoa(n)
		}
		return v
	default:
		return AggregateSlug
	}
}

// Key returns the canonical identity key for a serial and connector.
func Key(serial string, connector any) string {
	return serial + sep + ConnectorSlug(connector)
}

// PendingKey returns the not-yet-negotiated key for a serial.
func PendingKey(serial string) string {
	return serial + sep + PendingSlug
}

// HasSerial reports whether a registry key addresses the given serial,
// whatever slug it carries.
func HasSerial(key, serial string) bool {
	if key == serial {
		return true
	}
	prefix := serial + sep
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}

// CandidateKeys returns the ordered list of keys to probe when looking up a
// charger. With a concrete connector the exact key comes first; without one
// the aggregate key is tried, then every registered key sharing the serial
// prefix, then the pending key, then the bare serial. registered may be nil.
func CandidateKeys(serial string, connector any, registered []string) []string {
	slug := ConnectorSlug(connector)

	var keys []string
	if slug != AggregateSlug {
		keys = append(keys, serial+sep+slug)
	}
	keys = append(keys, serial+sep+AggregateSlug)
	prefix := serial + sep
	for _, k := range registered {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && !contains(keys, k) {
			keys = append(keys, k)
		}
	}
	if !contains(keys, serial+sep+PendingSlug) {
		keys = append(keys, serial+sep+PendingSlug)
	}
	keys = append(keys, serial)
	return keys
}

func contains(keys []string, k string) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}
