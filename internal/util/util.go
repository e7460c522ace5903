package util

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

func GenerateRandomString(n int) string {
	const letterBytes = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = letterBytes[b[i]%byte(len(letterBytes))]
	}
	return string(b)
}

func NewRequestID() string {
	return fmt.Sprintf("req_%s", uuid.New().String())
}

func DefaultServerID() string {
	return "action-" + GenerateRandomString(8)
}
