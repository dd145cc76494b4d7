package cache

import "fmt"

// AdmissionPolicy decides whether an entry may enter the disk tier.
type AdmissionPolicy struct {
	Fraction     float64
	DiskCapacity int64
}

// NewAdmissionPolicy derives the policy from a budget.
func NewAdmissionPolicy(b Budget) AdmissionPolicy {
	b = b.withDefaults()
	return AdmissionPolicy{Fraction: b.AdmissionFraction, DiskCapacity: b.DiskCapacityBytes}
}

// Limit is the largest size admitted without force.
func (p AdmissionPolicy) Limit() int64 {
	return int64(p.Fraction * float64(p.DiskCapacity))
}

// Admit returns nil when the entry may be stored, or an error wrapping
// ErrAdmissionRejected. Forced admission always succeeds.
func (p AdmissionPolicy) Admit(size int64, force bool) error {
	if force {
		return nil
	}
	if limit := p.Limit(); size > limit {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrAdmissionRejected, size, limit)
	}
	return nil
}
