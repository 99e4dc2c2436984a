package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// HashLen is the length of a hex-encoded SHA-256 fingerprint.
const HashLen = 64

// Compute returns the SHA-256 fingerprint of the record's canonical string,
// hex-encoded and uppercased.
func Compute(r *record.Record) string {
	sum := sha256.Sum256([]byte(CanonicalString(r)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ValidFingerprint reports whether s is a well-formed fingerprint: exactly
// 64 uppercase hexadecimal characters.
func ValidFingerprint(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Verify recomputes the record's fingerprint from its stored fields and
// compares it to the stored value.
func Verify(r *record.Record) error {
	expected := Compute(r)
	if r.RecordHash != expected {
		return fmt.Errorf("%w: record %s recomputes to %s, stored %s",
			record.ErrChainCorrupted, r.InvoiceNumber, expected, r.RecordHash)
	}
	return nil
}

// VerifyLinkage checks that a record's previous hash matches the fingerprint
// of the chain head it claims to extend.
func VerifyLinkage(expectedPrevious, actualPrevious string) error {
	if expectedPrevious != actualPrevious {
		return fmt.Errorf("%w: expected %q, got %q",
			record.ErrBadLinkage, expectedPrevious, actualPrevious)
	}
	return nil
}
