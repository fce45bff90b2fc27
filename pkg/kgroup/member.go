package kgroup

import (
	"crypto/rand"
	"fmt"
	"os"
)

// newMemberID mints "<hostname>:<uuid>" once per process lifetime
// (spec.md §3's member identity, "unique with overwhelming probability
// across restarts").
func newMemberID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	id, err := newUUID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, id), nil
}

// newUUID generates a version-4 UUID without pulling in an external
// dependency just for sixteen random bytes — the ambient stack's crypto
// needs (SASL/SCRAM) already live in kconsume, so a UUID library here
// would be the only caller of its own dependency.
func newUUID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}
