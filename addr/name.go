package addr

// ValidName returns true if the given string is usable as the logical name
// of a parameter, condition, mapping, resource or output. Names must be
// non-empty and contain only alphanumeric characters, so they can be used
// directly as identifiers in provider API calls and state documents.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9':
			continue
		case r >= 'a' && r <= 'z':
			continue
		case r >= 'A' && r <= 'Z':
			continue
		default:
			return false
		}
	}
	return true
}
