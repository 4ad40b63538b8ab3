// Package random generates the opaque identifiers handed out by the identity
// provider: session ids, authorization codes and CSRF tokens.
package random

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// MinTokenLength keeps generated secrets above 190 bits of entropy.
const MinTokenLength = 32

// String returns n characters drawn uniformly from [0-9A-Za-z].
func String(n int) (string, error) {
	ret := make([]byte, n)
	limit := big.NewInt(int64(len(alphanumeric)))
	for i := range n {
		num, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		ret[i] = alphanumeric[num.Int64()]
	}

	return string(ret), nil
}

// Token returns a String of at least MinTokenLength characters.
func Token(n int) (string, error) {
	return String(max(n, MinTokenLength))
}
