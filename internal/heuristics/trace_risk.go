package heuristics

import (
	"github.com/rawblock/trace-engine/pkg/models"
)

// Trace Summary Scorer
//
// Derives trace-level indicators from a completed node set:
//   - average risk over all hops, using a fixed per-level weight table
//   - suspicious hop count (hops whose address is labeled high risk)
//   - fragmentation: hops minus distinct hop depths, a coarse branching proxy
//   - final destination of the funds and how much to trust it
//
// Thresholds are heuristic, not statistically calibrated. The
// fragmentation formula deliberately counts a long chain reached from
// several parents as fragmented too; the confidence thresholds below were
// tuned against exactly that definition.

// Risk weights per level (0-100)
const (
	WeightHigh    = 90.0
	WeightMedium  = 60.0
	WeightLow     = 20.0
	WeightUnknown = 40.0
)

// Confidence constants
const (
	DestConfidenceNoTransfers = 0.25
	DestConfidenceLowRisk     = 0.92
	DestConfidenceDefault     = 0.65

	SuspiciousConfidenceBase        = 0.5
	SuspiciousConfidenceCeiling     = 0.95
	SuspiciousConfidenceNoTransfers = 0.1
	SuspiciousConfidenceDefault     = 0.2

	FragmentationThreshold             = 5
	FragmentationConfidenceHigh        = 0.75
	FragmentationConfidenceNoTransfers = 0.15
	FragmentationConfidenceDefault     = 0.4
)

// DestinationNotFound is reported when the trace holds no node at all
const DestinationNotFound = "Destination not found"

// RiskWeight returns the weight of a risk level
func RiskWeight(level models.RiskLevel) float64 {
	switch level {
	case models.RiskHigh:
		return WeightHigh
	case models.RiskMedium:
		return WeightMedium
	case models.RiskLow:
		return WeightLow
	default:
		return WeightUnknown
	}
}

// Summarize computes the TraceSummary of a node set. nodes[0] is the root.
func Summarize(nodes []models.TraceNode, meta models.TraceMeta) models.TraceSummary {
	var hops []models.TraceNode
	for _, n := range nodes {
		if !n.IsRoot() {
			hops = append(hops, n)
		}
	}

	var totalRisk float64
	suspicious := 0
	depths := make(map[int]struct{})
	for _, n := range hops {
		totalRisk += RiskWeight(n.RiskLevel)
		if n.RiskLevel == models.RiskHigh {
			suspicious++
		}
		depths[n.Depth] = struct{}{}
	}
	avgRisk := 0.0
	if len(hops) > 0 {
		avgRisk = totalRisk / float64(len(hops))
	}

	fragmentation := len(hops) - len(depths)
	if fragmentation < 0 {
		fragmentation = 0
	}

	summary := models.TraceSummary{
		FinalDestination:   DestinationNotFound,
		SuspiciousHopCount: suspicious,
		FragmentationLevel: fragmentation,
	}

	var dest *models.TraceNode
	if len(hops) > 0 {
		dest = &hops[len(hops)-1]
	} else if len(nodes) > 0 {
		dest = &nodes[len(nodes)-1]
	}
	if dest != nil {
		summary.FinalDestinationLabel = dest.AddressLabel
		switch {
		case dest.AddressLabel != "":
			summary.FinalDestination = dest.AddressLabel
		case dest.Address != "":
			summary.FinalDestination = dest.Address
		}
	}

	switch {
	case meta.NoTransfersFound:
		summary.FinalDestinationConfidence = DestConfidenceNoTransfers
	case dest != nil && dest.RiskLevel == models.RiskLow:
		summary.FinalDestinationConfidence = DestConfidenceLowRisk
	default:
		summary.FinalDestinationConfidence = DestConfidenceDefault
	}

	switch {
	case suspicious > 0:
		summary.SuspiciousConfidence = min(SuspiciousConfidenceBase+avgRisk/200, SuspiciousConfidenceCeiling)
	case meta.NoTransfersFound:
		summary.SuspiciousConfidence = SuspiciousConfidenceNoTransfers
	default:
		summary.SuspiciousConfidence = SuspiciousConfidenceDefault
	}

	switch {
	case fragmentation > FragmentationThreshold:
		summary.FragmentationConfidence = FragmentationConfidenceHigh
	case meta.NoTransfersFound:
		summary.FragmentationConfidence = FragmentationConfidenceNoTransfers
	default:
		summary.FragmentationConfidence = FragmentationConfidenceDefault
	}

	return summary
}
