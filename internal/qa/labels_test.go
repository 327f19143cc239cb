package qa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/qa-run-coordinator/internal/models"
	"go.uber.org/zap"
)

func TestApplyDiff_SingleTrackerCall(t *testing.T) {
	trk := newFakeTracker()
	s := NewLabelSynchronizer(trk, zap.NewNop())

	diff := models.LabelDiff{
		Add:    []string{"qa::passed", "qa::passed", ""},
		Remove: []string{"qa::testing", "qa::testing", "qa::passed"},
	}
	require.NoError(t, s.ApplyDiff(context.Background(), testProjectID, testIssueIID, diff))

	require.Len(t, trk.updates, 1)
	// Дубликаты убраны, лейбл из add не попадает в remove
	assert.Equal(t, []string{"qa::passed"}, trk.updates[0].Add)
	assert.Equal(t, []string{"qa::testing"}, trk.updates[0].Remove)
}

func TestApplyDiff_EmptyDiffSkipsTracker(t *testing.T) {
	trk := newFakeTracker()
	s := NewLabelSynchronizer(trk, zap.NewNop())

	require.NoError(t, s.ApplyDiff(context.Background(), testProjectID, testIssueIID, models.LabelDiff{}))
	require.NoError(t, s.ApplyDiff(context.Background(), testProjectID, testIssueIID, models.LabelDiff{Add: []string{""}}))
	assert.Empty(t, trk.updates)
}

func TestSubmitLabelDiff(t *testing.T) {
	labels := models.StatusLabels{Pending: "qa::ready", Passed: "qa::passed", Failed: "qa::failed"}

	diff := submitLabelDiff(labels, models.StatusPassed)
	assert.Equal(t, []string{"qa::passed"}, diff.Add)
	assert.ElementsMatch(t, []string{"qa::ready", "qa::failed"}, diff.Remove)

	diff = submitLabelDiff(labels, models.StatusFailed)
	assert.Equal(t, []string{"qa::failed"}, diff.Add)
	assert.ElementsMatch(t, []string{"qa::ready", "qa::passed"}, diff.Remove)
}
