package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rawblock/trace-engine/pkg/models"
)

func root(addr string) models.TraceNode {
	return models.TraceNode{ID: "root", Address: addr, TransactionHash: "root", RiskLevel: models.RiskUnknown}
}

func hop(id string, depth int, addr string, risk models.RiskLevel) models.TraceNode {
	return models.TraceNode{ID: id, ParentID: "root", Depth: depth, Address: addr, RiskLevel: risk}
}

func TestSummarize_RootOnly(t *testing.T) {
	s := Summarize([]models.TraceNode{root("0xroot")}, models.TraceMeta{NoTransfersFound: true})

	assert.Equal(t, "0xroot", s.FinalDestination)
	assert.Equal(t, DestConfidenceNoTransfers, s.FinalDestinationConfidence)
	assert.Equal(t, 0, s.SuspiciousHopCount)
	assert.Equal(t, SuspiciousConfidenceNoTransfers, s.SuspiciousConfidence)
	assert.Equal(t, 0, s.FragmentationLevel)
	assert.Equal(t, FragmentationConfidenceNoTransfers, s.FragmentationConfidence)
}

func TestSummarize_NoNodes(t *testing.T) {
	s := Summarize(nil, models.TraceMeta{NoTransfersFound: true})
	assert.Equal(t, DestinationNotFound, s.FinalDestination)
}

func TestSummarize_DestinationIsLastHop(t *testing.T) {
	nodes := []models.TraceNode{
		root("0xroot"),
		hop("a", 1, "0xa", models.RiskUnknown),
		hop("b", 1, "0xb", models.RiskLow),
	}
	s := Summarize(nodes, models.TraceMeta{TransfersAnalyzed: 2})

	assert.Equal(t, "0xb", s.FinalDestination)
	assert.Equal(t, DestConfidenceLowRisk, s.FinalDestinationConfidence)
	assert.Equal(t, SuspiciousConfidenceDefault, s.SuspiciousConfidence)
	assert.Equal(t, 1, s.FragmentationLevel)
	assert.Equal(t, FragmentationConfidenceDefault, s.FragmentationConfidence)
}

func TestSummarize_ReturnToOriginUsesLabel(t *testing.T) {
	back := hop("a", 1, "0xroot", models.RiskUnknown)
	back.AddressLabel = "Origin (root)"
	s := Summarize([]models.TraceNode{root("0xroot"), back}, models.TraceMeta{TransfersAnalyzed: 1})

	assert.Equal(t, "Origin (root)", s.FinalDestination)
	assert.Equal(t, "Origin (root)", s.FinalDestinationLabel)
	assert.Equal(t, DestConfidenceDefault, s.FinalDestinationConfidence)
}

func TestSummarize_SuspiciousConfidenceScalesWithAverageRisk(t *testing.T) {
	nodes := []models.TraceNode{
		root("0xroot"),
		hop("a", 1, "0xa", models.RiskHigh),
		hop("b", 2, "0xb", models.RiskUnknown),
	}
	s := Summarize(nodes, models.TraceMeta{TransfersAnalyzed: 2})

	// avg = (90 + 40) / 2 = 65 -> 0.5 + 65/200
	assert.Equal(t, 1, s.SuspiciousHopCount)
	assert.InDelta(t, 0.825, s.SuspiciousConfidence, 1e-9)
	assert.Equal(t, 0, s.FragmentationLevel)
}

func TestSummarize_SuspiciousConfidenceIsCapped(t *testing.T) {
	nodes := []models.TraceNode{root("0xroot")}
	for i := 0; i < 4; i++ {
		nodes = append(nodes, hop("h", i+1, "0xh", models.RiskHigh))
	}
	s := Summarize(nodes, models.TraceMeta{TransfersAnalyzed: 4})
	assert.InDelta(t, SuspiciousConfidenceCeiling, s.SuspiciousConfidence, 1e-9)
}

func TestSummarize_HighFragmentation(t *testing.T) {
	nodes := []models.TraceNode{root("0xroot")}
	for i := 0; i < 7; i++ {
		nodes = append(nodes, hop("h", 1, "0xh", models.RiskUnknown))
	}
	s := Summarize(nodes, models.TraceMeta{TransfersAnalyzed: 7})

	assert.Equal(t, 6, s.FragmentationLevel)
	assert.Equal(t, FragmentationConfidenceHigh, s.FragmentationConfidence)
}

func TestRiskLevelForRole(t *testing.T) {
	cases := map[string]models.RiskLevel{
		RoleTheft:      models.RiskHigh,
		RoleSanctioned: models.RiskHigh,
		RoleSuspect:    models.RiskMedium,
		RoleMixer:      models.RiskMedium,
		RoleExchange:   models.RiskLow,
		RoleService:    models.RiskLow,
		"":             models.RiskUnknown,
		"whatever":     models.RiskUnknown,
	}
	for role, want := range cases {
		if got := RiskLevelForRole(role); got != want {
			t.Errorf("RiskLevelForRole(%q) = %s, want %s", role, got, want)
		}
	}
}
