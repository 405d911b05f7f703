package portfolio

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func chain(snapshots ...string) []*Version {
	var out []*Version
	var prev *Version
	for _, s := range snapshots {
		v := Next("pf1", "s1", prev, json.RawMessage(s), nil, now)
		out = append(out, v)
		prev = v
	}
	return out
}

func TestNextNumbersAndLinks(t *testing.T) {
	vs := chain(`{"a":1}`, `{"a":2}`)
	assert.Equal(t, 1, vs[0].Number)
	assert.Equal(t, 2, vs[1].Number)
	assert.NotEqual(t, vs[0].Digest, vs[1].Digest)
	assert.NoError(t, VerifyChain("pf1", vs))
}

func TestRollbackVersionCarriesSource(t *testing.T) {
	vs := chain(`{"a":1}`, `{"a":2}`)
	from := 1
	v3 := Next("pf1", "s1", vs[1], vs[0].Snapshot, &from, now)

	assert.Equal(t, 3, v3.Number)
	require.NotNil(t, v3.RolledBackFrom)
	assert.Equal(t, 1, *v3.RolledBackFrom)
	assert.JSONEq(t, `{"a":1}`, string(v3.Snapshot))
	assert.NoError(t, VerifyChain("pf1", append(vs, v3)))
}

func TestVerifyChainDetectsGap(t *testing.T) {
	vs := chain(`{"a":1}`, `{"a":2}`, `{"a":3}`)
	err := VerifyChain("pf1", []*Version{vs[0], vs[2]})
	assert.True(t, shared.IsConsistencyViolation(err))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	vs := chain(`{"a":1}`, `{"a":2}`)
	vs[0].Snapshot = json.RawMessage(`{"a":9}`)
	assert.True(t, shared.IsConsistencyViolation(VerifyChain("pf1", vs)))
}

func TestValidateSnapshot(t *testing.T) {
	assert.NoError(t, ValidateSnapshot(json.RawMessage(`{"x":[1,2]}`)))
	assert.True(t, shared.IsValidation(ValidateSnapshot(nil)))
	assert.True(t, shared.IsValidation(ValidateSnapshot(json.RawMessage(`{`))))
}

func TestOwnerIsFixedByFirstVersion(t *testing.T) {
	vs := chain(`{"a":1}`)
	v2 := Next("pf1", "s2", vs[0], json.RawMessage(`{"a":2}`), nil, now)
	assert.Equal(t, "s1", v2.OwnerID)

	assert.NoError(t, CheckOwner(nil, "s2", "Commit"))
	assert.NoError(t, CheckOwner(vs[0], "s1", "Commit"))
	assert.ErrorIs(t, CheckOwner(vs[0], "s2", "Commit"), shared.ErrForbidden)
}

func TestVerifyChainDetectsOwnerChange(t *testing.T) {
	vs := chain(`{"a":1}`, `{"a":2}`)
	vs[1].OwnerID = "s2"
	assert.True(t, shared.IsConsistencyViolation(VerifyChain("pf1", vs)))
}
