// Package profile defines reference stain profiles and the providers that
// serve them to the pipeline.
//
// A reference profile stores the mean and standard deviation of both stain
// concentration channels measured on a set of well-stained slides. Profiles
// are keyed by stain type and are read-only once published.
package profile

import (
	"fmt"
	"strings"
)

// StainType identifies the staining protocol a profile belongs to.
type StainType string

const (
	HE  StainType = "HE"
	IHC StainType = "IHC"
	PAP StainType = "PAP"
)

// StainTypes lists every supported stain type.
var StainTypes = []StainType{HE, IHC, PAP}

// ParseStainType validates a stain type name. Matching is case-insensitive.
func ParseStainType(name string) (StainType, error) {
	for _, st := range StainTypes {
		if strings.EqualFold(name, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stain type %q (must be HE, IHC, or PAP)", name)
}

// Valid reports whether st is one of the supported stain types.
func (st StainType) Valid() bool {
	for _, known := range StainTypes {
		if st == known {
			return true
		}
	}
	return false
}

// Reference is the persisted reference profile record.
//
// Each statistic is optional: a nil entry means the image's own statistic is
// used for that channel, which turns the corresponding part of the
// normalization into a no-op.
type Reference struct {
	StainType  StainType `json:"stain_type" yaml:"stain_type"`
	Stain0Mean *float64  `json:"stain_0_mean,omitempty" yaml:"stain_0_mean,omitempty"`
	Stain0Std  *float64  `json:"stain_0_std,omitempty" yaml:"stain_0_std,omitempty"`
	Stain1Mean *float64  `json:"stain_1_mean,omitempty" yaml:"stain_1_mean,omitempty"`
	Stain1Std  *float64  `json:"stain_1_std,omitempty" yaml:"stain_1_std,omitempty"`
}

// NewReference builds a fully populated reference profile.
func NewReference(stainType StainType, mean0, std0, mean1, std1 float64) *Reference {
	return &Reference{
		StainType:  stainType,
		Stain0Mean: &mean0,
		Stain0Std:  &std0,
		Stain1Mean: &mean1,
		Stain1Std:  &std1,
	}
}

// Channel returns the optional mean and standard deviation of a stain
// channel (0 or 1).
func (r *Reference) Channel(stain int) (mean, std *float64) {
	if stain == 0 {
		return r.Stain0Mean, r.Stain0Std
	}
	return r.Stain1Mean, r.Stain1Std
}

// Validate checks that the stain type is known and no standard deviation is
// negative.
func (r *Reference) Validate() error {
	if !r.StainType.Valid() {
		return fmt.Errorf("invalid stain type %q", r.StainType)
	}
	for i := 0; i < 2; i++ {
		if _, std := r.Channel(i); std != nil && *std < 0 {
			return fmt.Errorf("stain_%d_std must be >= 0, got %f", i, *std)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a provider's record.
func (r *Reference) Clone() *Reference {
	out := &Reference{StainType: r.StainType}
	out.Stain0Mean = cloneFloat(r.Stain0Mean)
	out.Stain0Std = cloneFloat(r.Stain0Std)
	out.Stain1Mean = cloneFloat(r.Stain1Mean)
	out.Stain1Std = cloneFloat(r.Stain1Std)
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Provider serves reference profiles by stain type.
//
// Get returns (nil, nil) when no profile exists for the stain type. An error
// is only returned when the backing store could not be read.
type Provider interface {
	Get(stainType StainType) (*Reference, error)
}

// Store is a Provider that also accepts new profiles. Put replaces any
// existing profile atomically.
type Store interface {
	Provider
	Put(ref *Reference) error
}
