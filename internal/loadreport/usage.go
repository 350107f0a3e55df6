// Package loadreport holds the broker load data model: per-dimension
// resource usage, per-bundle traffic statistics and the report a broker
// publishes under its liveness key, plus the in-memory cache of the
// latest report from every live broker.
package loadreport

import "math"

// ResourceUsage is a usage/limit pair for one resource dimension.
type ResourceUsage struct {
	Usage float64 `json:"usage"`
	Limit float64 `json:"limit"`
}

// PercentUsage returns usage as a percentage of limit. A dimension with no
// positive limit reports 0 so an unmeasured resource never looks loaded.
func (r ResourceUsage) PercentUsage() float64 {
	if r.Limit <= 0 || r.Usage <= 0 {
		return 0
	}
	return r.Usage / r.Limit * 100
}

// Ratio returns Usage/Limit, or 0 when the limit is not positive.
func (r ResourceUsage) Ratio() float64 {
	return r.PercentUsage() / 100
}

// Reset marks the dimension as unmeasured.
func (r *ResourceUsage) Reset() {
	r.Usage = -1
	r.Limit = -1
}

// Dimension names a resource dimension.
type Dimension int

const (
	DimCPU Dimension = iota
	DimMemory
	DimBandwidthIn
	DimBandwidthOut
	DimDirectMemory
)

// Dimensions lists every dimension in the fixed order used for tie-breaking.
var Dimensions = []Dimension{DimCPU, DimMemory, DimBandwidthIn, DimBandwidthOut, DimDirectMemory}

func (d Dimension) String() string {
	switch d {
	case DimCPU:
		return "cpu"
	case DimMemory:
		return "memory"
	case DimBandwidthIn:
		return "bandwidthIn"
	case DimBandwidthOut:
		return "bandwidthOut"
	case DimDirectMemory:
		return "directMemory"
	default:
		return "unknown"
	}
}

// ParseDimension is the inverse of Dimension.String.
func ParseDimension(s string) (Dimension, bool) {
	for _, d := range Dimensions {
		if d.String() == s {
			return d, true
		}
	}
	return 0, false
}

// SystemResourceUsage is a broker's usage across every dimension.
type SystemResourceUsage struct {
	CPU          ResourceUsage `json:"cpu"`
	Memory       ResourceUsage `json:"memory"`
	DirectMemory ResourceUsage `json:"directMemory"`
	BandwidthIn  ResourceUsage `json:"bandwidthIn"`
	BandwidthOut ResourceUsage `json:"bandwidthOut"`
}

// Get returns the usage of dimension d.
func (s SystemResourceUsage) Get(d Dimension) ResourceUsage {
	switch d {
	case DimCPU:
		return s.CPU
	case DimMemory:
		return s.Memory
	case DimBandwidthIn:
		return s.BandwidthIn
	case DimBandwidthOut:
		return s.BandwidthOut
	case DimDirectMemory:
		return s.DirectMemory
	default:
		return ResourceUsage{}
	}
}

// Set replaces the usage of dimension d.
func (s *SystemResourceUsage) Set(d Dimension, u ResourceUsage) {
	switch d {
	case DimCPU:
		s.CPU = u
	case DimMemory:
		s.Memory = u
	case DimBandwidthIn:
		s.BandwidthIn = u
	case DimBandwidthOut:
		s.BandwidthOut = u
	case DimDirectMemory:
		s.DirectMemory = u
	}
}

// MaxPercentUsage returns the highest percentage across dimensions.
func (s SystemResourceUsage) MaxPercentUsage() float64 {
	m := 0.0
	for _, d := range Dimensions {
		m = math.Max(m, s.Get(d).PercentUsage())
	}
	return m
}

// Reset marks every dimension as unmeasured.
func (s *SystemResourceUsage) Reset() {
	s.CPU.Reset()
	s.Memory.Reset()
	s.DirectMemory.Reset()
	s.BandwidthIn.Reset()
	s.BandwidthOut.Reset()
}
