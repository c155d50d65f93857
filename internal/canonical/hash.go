package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed digests.
// Version suffix enables future algorithm migration.
const (
	DomainProof = "stakehold/proof/v1"
	DomainTrace = "stakehold/trace/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalises v and hashes it under domain.
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}

// ProofDigest hashes user-submitted proof text.
//
// The text is NFC-normalised and stripped of surrounding whitespace first,
// so visually identical submissions produce the same digest.
func ProofDigest(text string) string {
	normalized := strings.TrimSpace(norm.NFC.String(text))
	data, _ := Marshal(map[string]any{"proof": normalized})
	return HashWithDomain(DomainProof, data)
}
