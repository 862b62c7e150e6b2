package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/spounge-ai/polysecret/internal/domain"
)

// chain computes entry hashes. With a key the hash is an HMAC so an
// attacker with write access to the file cannot forge a consistent chain.
type chain struct {
	key []byte
}

func (c chain) newHash() hash.Hash {
	if len(c.key) > 0 {
		return hmac.New(sha256.New, c.key)
	}
	return sha256.New()
}

// sum hashes the entry with its Hash field cleared. PrevHash is part of the
// input, which is what links each entry to its predecessor.
func (c chain) sum(e domain.AuditEntry) (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit entry: %w", err)
	}
	h := c.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c chain) valid(e domain.AuditEntry) bool {
	want, err := c.sum(e)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(e.Hash))
}

// anchor is the link to the last archived entry.
type anchor struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// ChainError reports where verification first failed.
type ChainError struct {
	Line   int
	Seq    uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d (seq %d): %s", e.Line, e.Seq, e.Reason)
}
