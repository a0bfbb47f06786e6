package utils

import (
	"crypto/rand"
	"fmt"
)

// GenUniqueID: gen uuid
func GenUniqueID(n int) string {
	randBytes := make([]byte, n/2)
	_, _ = rand.Read(randBytes)
	return fmt.Sprintf("%x", randBytes)
}
