package service

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/and161185/courtsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// InitialDueAt spreads first-time cases over the interval: the offset is a
// stable hash of the case ID, laid on the interval grid containing now.
// The result lies in (now, now+interval].
func InitialDueAt(caseID uuid.UUID, now time.Time, interval time.Duration) time.Time {
	minutes := int64(interval / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	sum := sha256.Sum256([]byte(caseID.String()))
	offset := int64(binary.BigEndian.Uint32(sum[:4])) % minutes

	due := now.Truncate(interval).Add(time.Duration(offset) * time.Minute)
	if !due.After(now) {
		due = due.Add(interval)
	}
	return due
}

// NextDueAt returns now + interval + r*jitter, with r in [0, 1).
func NextDueAt(now time.Time, interval, jitter time.Duration, r float64) time.Time {
	next := now.Add(interval)
	if jitter > 0 {
		next = next.Add(time.Duration(r * float64(jitter)))
	}
	return next
}

// DedupKey is the hex SHA-256 of kind|target|window, window in UTC RFC 3339.
func DedupKey(kind model.JobKind, target string, window time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(kind),
		target,
		window.UTC().Format(time.RFC3339),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Backoff is the requeue delay after a failed attempt: 5m doubling per attempt
// up to the sixth, plus r*10s+5s of spread.
func Backoff(attempts int, r float64) time.Duration {
	n := min(max(attempts, 1), 6)
	return 5*time.Minute*time.Duration(1<<(n-1)) + 5*time.Second + time.Duration(r*float64(10*time.Second))
}
