package schema

import (
	"github.com/google/uuid"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewCollectionID returns a random 15 character lowercase id.
func NewCollectionID() string {
	return randomID(15)
}

// NewFieldID returns a random 8 character lowercase id.
func NewFieldID() string {
	return randomID(8)
}

func randomID(n int) string {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		u := uuid.New()
		for _, b := range u {
			if len(buf) == n {
				break
			}
			buf = append(buf, idAlphabet[int(b)%len(idAlphabet)])
		}
	}
	return string(buf)
}
