package subscription

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

var referencePrefix = map[string]string{
	KindSubscription: "SUB_",
	KindUpgrade:      "UPG_",
	KindRenewal:      "REN_",
	KindRecurring:    "RCR_",
}

// newReference returns a merchant reference such as SUB_9F2C4A1B7D3E8F60.
func newReference(kind string) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return referencePrefix[kind] + strings.ToUpper(hex.EncodeToString(b[:]))
}
