package hive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// coordPrecision fixes how far geocoordinates are rounded before hashing.
// Two agents within ~11m of each other land in the same chamber.
const coordPrecision = 4

// CoordHash one-way hashes a rounded geocoordinate component. The rounding
// happens in the formatted string so -0.00004 and 0.00003 collapse to the
// same bucket.
func CoordHash(v float64) string {
	s := fmt.Sprintf("%.*f", coordPrecision, v)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// DeriveAddress builds the canonical chamber address for a hive, life-path
// tag, and location. The same physical location always maps to the same
// address for a given hive and tag; the address is the idempotency key for
// chamber creation.
func DeriveAddress(hiveID int64, lifePathTag string, lat, lon float64) (address, latHash, lonHash string) {
	latHash = CoordHash(lat)
	lonHash = CoordHash(lon)
	address = fmt.Sprintf("HV%d-%s-%s%s", hiveID, lifePathTag, latHash, lonHash)
	return address, latHash, lonHash
}
