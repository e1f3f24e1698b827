//go:build !linux && !darwin

package memory

// Platforms without mmap fall back to heap memory. Ownership rules are the
// same; only the backing store differs.
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(_ []byte) error {
	return nil
}
