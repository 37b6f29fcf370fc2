package doc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainDocument separates document content hashes from any other hash the
// module might compute over the same bytes.
const DomainDocument = "rift/document/v1"

// Hash returns a content hash of the document: SHA256(domain 0x00 canonical).
func Hash(d Document) (string, error) {
	canonical, err := MarshalCanonical(d)
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainDocument))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
