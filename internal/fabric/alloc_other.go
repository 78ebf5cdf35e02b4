//go:build !unix

package fabric

func allocate(length int) ([]byte, error) {
	return make([]byte, length), nil
}

func release([]byte) error {
	return nil
}
