package ledger

import (
	"time"

	"github.com/alem-hub/progress-engine/pkg/digest"
)

// DefaultKeyBucket is the timestamp granularity used when deriving keys.
const DefaultKeyBucket = time.Minute

// DeriveKey builds a deterministic idempotency key for clients that do not
// supply one. Two submissions of the same activity within one bucket collapse
// to the same key.
func DeriveKey(studentID, resourceID string, t ActivityType, occurredAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultKeyBucket
	}
	ts := occurredAt.UTC().Truncate(bucket).Format(time.RFC3339)
	return digest.Key("activity", studentID, resourceID, string(t), ts)
}

// SystemKey builds the key for events the engine records on its own behalf,
// such as workflow completion and publication.
func SystemKey(t ActivityType, parts ...string) string {
	return digest.Key(append([]string{"system", string(t)}, parts...)...)
}
