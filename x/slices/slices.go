// Package slices provides small generic helpers over slices.
package slices

// ContainsString returns true when s contains val.
func ContainsString(s []string, val string) bool {
	for _, v := range s {
		if v == val {
			return true
		}
	}
	return false
}
