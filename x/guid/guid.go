// Package guid generates identifiers used for logical key ids and other
// process-unique handles.
package guid

import "github.com/google/uuid"

// MustCreate returns a new random (v4) UUID string. Panics if the system
// random source fails, which in practice never happens.
func MustCreate() string {
	return uuid.New().String()
}
