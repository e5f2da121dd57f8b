//go:build property
// +build property

// Package plan_test contains property-based tests for plan validation
// and identity normalization.
package plan_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// TestValidateDeterminism verifies validation is a pure function.
// Property: Validate(p) == Validate(p) for any p
func TestValidateDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("validation verdict is deterministic", prop.ForAll(
		func(exec string, bens []string, shares []uint32, guards []string, m uint32, interval int64) bool {
			p := plan.Params{
				Executor:          plan.Identity(exec),
				Beneficiaries:     toIdentities(bens),
				SharesBps:         shares,
				Guardians:         toIdentities(guards),
				Threshold:         m,
				HeartbeatInterval: interval,
			}
			err1 := p.Validate()
			err2 := p.Validate()
			if err1 == nil {
				return err2 == nil
			}
			return err2 != nil && err1.Error() == err2.Error()
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.UInt32Range(0, 20000)),
		gen.SliceOf(gen.AlphaString()),
		gen.UInt32Range(0, 16),
		gen.Int64Range(-10, 1<<32),
	))

	properties.TestingRun(t)
}

// TestShareSumInvariant verifies accepted plans always carry exactly
// 10000 basis points of shares.
func TestShareSumInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted params sum to 10000 bps", prop.ForAll(
		func(shares []uint32) bool {
			if len(shares) == 0 {
				return true // Covered by the no-beneficiaries rule
			}
			bens := make([]plan.Identity, len(shares))
			for i := range shares {
				bens[i] = plan.Identity("ben-" + string(rune('a'+i%26)) + string(rune('a'+i/26)))
			}
			p := plan.Params{
				Executor:          "exec",
				Beneficiaries:     bens,
				SharesBps:         shares,
				Guardians:         []plan.Identity{"g-1"},
				Threshold:         1,
				HeartbeatInterval: 60,
			}

			var sum uint64
			for _, s := range shares {
				sum += uint64(s)
			}

			err := p.Validate()
			if sum == uint64(plan.TotalBasisPoints) {
				return err == nil
			}
			return err != nil
		},
		gen.SliceOfN(4, gen.UInt32Range(0, 12000)),
	))

	properties.TestingRun(t)
}

// TestNormalizationIdempotency verifies NFC normalization is idempotent.
// Property: Normalized(Normalized(p)) == Normalized(p)
func TestNormalizationIdempotency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(exec string, guards []string) bool {
			p := plan.Params{
				Executor:  plan.Identity(exec),
				Guardians: toIdentities(guards),
			}
			once := p.Normalized()
			twice := once.Normalized()
			if once.Executor != twice.Executor {
				return false
			}
			for i := range once.Guardians {
				if once.Guardians[i] != twice.Guardians[i] {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

func toIdentities(ss []string) []plan.Identity {
	out := make([]plan.Identity, len(ss))
	for i, s := range ss {
		out[i] = plan.Identity(s)
	}
	return out
}
