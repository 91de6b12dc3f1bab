package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for derived identifiers. The version suffix allows the
// derivation to change without colliding with ids already committed.
const (
	DomainReply = "tenantsync/reply/v1"
)

// Canonical returns the NFC-normalised, whitespace-trimmed form of an id.
func Canonical(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// ConversationKey scopes a conversation id to its store.
func ConversationKey(storeID, conversationID string) string {
	return Canonical(storeID) + "/" + Canonical(conversationID)
}

// ReplyID derives the id of the reply to a given record. Committing the same
// reply twice therefore targets the same record id in the store.
func ReplyID(storeID, recordID string) string {
	return hashWithDomain(DomainReply, []byte(Canonical(storeID)+"\x00"+Canonical(recordID)))
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
