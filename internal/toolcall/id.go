package toolcall

import "crypto/rand"

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewCallID returns a fresh tool-call id: "call_" plus 24 random
// alphanumerics. Ids from model output are never trusted, so every recovered
// call gets one of these.
func NewCallID() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return "call_" + string(buf)
}
