package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq uint64

// GenID returns a new opaque message/user id. IDs are time-prefixed so raw
// key listings stay roughly chronological, with random bytes for
// uniqueness across processes.
func GenID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to a counter; collisions only matter within one ns
		return fmt.Sprintf("%d-%d", time.Now().UTC().UnixNano(), atomic.AddUint64(&idSeq, 1))
	}
	return fmt.Sprintf("%d-%s", time.Now().UTC().UnixNano(), hex.EncodeToString(b[:]))
}

// GenConvID returns a new conversation id.
func GenConvID() string {
	return "c-" + GenID()
}
