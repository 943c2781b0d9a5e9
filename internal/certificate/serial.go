package certificate

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Serial derives the verification serial printed on an issued certificate,
// e.g. "3F2A-91C0-77DE-0B14-A5E9". The same inputs always give the same serial.
func Serial(enrollmentID, studentID, courseID string, issuedAt time.Time) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{enrollmentID, studentID, courseID, issuedAt.UTC().Format(time.RFC3339)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:10]))

	groups := make([]string, 0, 5)
	for i := 0; i < len(sum); i += 4 {
		groups = append(groups, sum[i:i+4])
	}
	return strings.Join(groups, "-")
}
