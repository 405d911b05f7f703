// Package portfolio contains the append-only snapshot chain of a student's
// portfolio. Rollback never rewrites history: it appends an older snapshot
// as a new version.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/digest"
)

// Version is one immutable entry of the chain.
type Version struct {
	PortfolioID    string          `json:"portfolio_id"`
	OwnerID        string          `json:"owner_id"`
	Number         int             `json:"version_number"`
	Snapshot       json.RawMessage `json:"snapshot"`
	CreatedAt      time.Time       `json:"created_at"`
	RolledBackFrom *int            `json:"rolled_back_from,omitempty"`
	Digest         string          `json:"digest"`
}

// ValidateSnapshot checks that a snapshot is a non-empty JSON document.
func ValidateSnapshot(snapshot json.RawMessage) error {
	if len(strings.TrimSpace(string(snapshot))) == 0 {
		return shared.Validation("portfolio", "Commit", "snapshot is required")
	}
	if !json.Valid(snapshot) {
		return shared.Validation("portfolio", "Commit", "snapshot must be valid JSON")
	}
	return nil
}

// CheckOwner fails with shared.ErrForbidden when the portfolio behind head
// belongs to someone other than ownerID. A nil head has no owner yet.
func CheckOwner(head *Version, ownerID, op string) error {
	if head == nil || head.OwnerID == ownerID {
		return nil
	}
	return shared.NewDomainError("portfolio", op, shared.ErrForbidden,
		fmt.Sprintf("portfolio %s is not owned by %s", head.PortfolioID, ownerID))
}

// Next builds the version that follows prev (nil for the first commit). The
// owner is fixed by the first version and carried forward.
func Next(portfolioID, ownerID string, prev *Version, snapshot json.RawMessage, rolledBackFrom *int, now time.Time) *Version {
	number, prevDigest := 1, ""
	if prev != nil {
		number, prevDigest, ownerID = prev.Number+1, prev.Digest, prev.OwnerID
	}
	snap := append(json.RawMessage(nil), snapshot...)
	v := &Version{
		PortfolioID: portfolioID,
		OwnerID:     ownerID,
		Number:      number,
		Snapshot:    snap,
		CreatedAt:   now.UTC(),
		Digest:      digest.Chain(prevDigest, number, snap),
	}
	if rolledBackFrom != nil {
		n := *rolledBackFrom
		v.RolledBackFrom = &n
	}
	return v
}

// VerifyChain checks that versions (ordered by Number) are contiguous from 1,
// share one owner, and that every digest links to its predecessor.
func VerifyChain(portfolioID string, versions []*Version) error {
	prev := ""
	for i, v := range versions {
		if v.Number != i+1 {
			return shared.ConsistencyViolation("portfolio", "VerifyChain",
				"portfolio %s: expected version %d at position %d, found %d", portfolioID, i+1, i, v.Number)
		}
		if v.OwnerID != versions[0].OwnerID {
			return shared.ConsistencyViolation("portfolio", "VerifyChain",
				"portfolio %s: owner changed at version %d", portfolioID, v.Number)
		}
		if want := digest.Chain(prev, v.Number, v.Snapshot); want != v.Digest {
			return shared.ConsistencyViolation("portfolio", "VerifyChain",
				"portfolio %s: digest mismatch at version %d", portfolioID, v.Number)
		}
		prev = v.Digest
	}
	return nil
}

// Repository persists portfolio chains.
type Repository interface {
	// Append stores v. It fails with shared.ErrVersionTaken when the number exists.
	Append(ctx context.Context, v *Version) error
	Latest(ctx context.Context, portfolioID string) (*Version, error)
	Get(ctx context.Context, portfolioID string, number int) (*Version, error)
	List(ctx context.Context, portfolioID string) ([]*Version, error)
	ListPortfolios(ctx context.Context) ([]string, error)
}
