package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainEvent = "fedlog/event/v1"

	// DomainRegister prefixes the registration challenge before signing so
	// a challenge signature can never be replayed as an event signature.
	DomainRegister = "fedlog/register/v1"

	// DomainPush prefixes the push envelope a sender signs.
	DomainPush = "fedlog/push/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator removes domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventIDFromCanonical hashes canonical event bytes into an event_id.
func EventIDFromCanonical(canonical []byte) string {
	return hashWithDomain(DomainEvent, canonical)
}

// ChallengeMessage is the byte string signed during registration to prove
// ownership of pub.
func ChallengeMessage(nonce string, pub PublicKey) []byte {
	msg := make([]byte, 0, len(DomainRegister)+1+len(nonce)+1+PublicKeySize*2)
	msg = append(msg, DomainRegister...)
	msg = append(msg, 0x00)
	msg = append(msg, nonce...)
	msg = append(msg, 0x00)
	msg = append(msg, pub.Hex()...)
	return msg
}

// PushMessage is the byte string a sender signs over a push: its key,
// its head and the ids of the events carried, in order.
func PushMessage(sender PublicKey, headSeq int64, eventIDs []string) []byte {
	msg := make([]byte, 0, len(DomainPush)+PublicKeySize*2+24+len(eventIDs)*65)
	msg = append(msg, DomainPush...)
	msg = append(msg, 0x00)
	msg = append(msg, sender.Hex()...)
	msg = append(msg, 0x00)
	msg = strconv.AppendInt(msg, headSeq, 10)
	for _, id := range eventIDs {
		msg = append(msg, 0x00)
		msg = append(msg, id...)
	}
	return msg
}
