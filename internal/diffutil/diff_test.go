package diffutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBasicReplacement(t *testing.T) {
	old := "line1\nline2\nline3"
	new := "line1\nlineX\nline3"

	d := Compute(old, new)
	assert.Equal(t, 1, d.Summary.AddedLines)
	assert.Equal(t, 1, d.Summary.RemovedLines)
}

func TestRoundTripAddedReconstructsNewText(t *testing.T) {
	old := "alpha\nbeta\ngamma"
	new := "alpha\nBETA\ngamma\ndelta"

	d := Compute(old, new)
	assert.Equal(t, new, d.Reconstruct(Added))
	assert.Equal(t, old, d.Reconstruct(Removed))
}

func TestEmptyOldText(t *testing.T) {
	d := Compute("", "Hi")
	assert.Equal(t, "Hi", d.Reconstruct(Added))
	assert.Equal(t, "", d.Reconstruct(Removed))
}

// Scenario 5: revert from "Hi" back to "" reports 2 removed chars.
func TestRevertDiffReportsRemovedChars(t *testing.T) {
	d := Compute("Hi", "")
	assert.Equal(t, 2, d.Summary.RemovedChars)
	assert.Equal(t, 0, d.Summary.AddedChars)
	assert.Equal(t, -2, d.Summary.NetChange)
}

func TestIdenticalTextProducesNoAddedOrRemoved(t *testing.T) {
	d := Compute("same\ntext", "same\ntext")
	assert.Equal(t, 0, d.Summary.AddedLines)
	assert.Equal(t, 0, d.Summary.RemovedLines)
}
