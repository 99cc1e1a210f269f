// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package cloud

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Sign returns the base64 HMAC-SHA256 of message under the app secret.
func Sign(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// RegionSigningString joins params as key=value pairs with '&', keys in
// descending order. The server rebuilds the same string, so the order
// must match exactly.
func RegionSigningString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// NewNonce returns 16 random bytes, base64 encoded.
func NewNonce() (string, error) {
	return nonceFrom(rand.Reader)
}

func nonceFrom(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
