package util

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

var presencePalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#e5c07b", "#be5046",
}

// ColorFor derives a stable presence color from a user id, so every
// replica renders the same user with the same color.
func ColorFor(userID string) string {
	sum := sha1.Sum([]byte(userID))
	return presencePalette[int(sum[0])%len(presencePalette)]
}
