package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/tree"
)

func fixture() ([]domain.Test, *tree.Forest) {
	tests := []domain.Test{
		{ID: "t1", Title: "login", Automation: "AUTOMATED"},
		{ID: "t2", Title: "logout", Automation: "AUTOMATED"},
		{ID: "t3", Title: "manual check", Automation: "MANUAL"},
		{ID: "t4", Title: "cart", Automation: "AUTOMATED"},
		{ID: "t5", Title: "unfiled", Automation: "AUTOMATED"},
	}
	folders := []domain.Folder{
		{ID: "auth", Name: "Auth"},
		{ID: "session", Name: "Session", ParentID: "auth"},
		{ID: "manual", Name: "Manual"},
		{ID: "shop", Name: "Shop"},
	}
	memberships := []domain.FolderMembership{
		{TestID: "t1", FolderID: "auth"},
		{TestID: "t2", FolderID: "session"},
		{TestID: "t3", FolderID: "manual"},
		{TestID: "t4", FolderID: "shop"},
	}
	return tests, tree.Build(tests, folders, memberships)
}

func TestToggle(t *testing.T) {
	r := New(fixture())

	assert.True(t, r.Toggle("t1"))
	assert.True(t, r.IsSelected("t1"))
	assert.False(t, r.Toggle("t1"))
	assert.False(t, r.IsSelected("t1"))

	// non-automatable and unknown tests are silently ignored
	assert.False(t, r.Toggle("t3"))
	assert.False(t, r.Toggle("missing"))
	assert.Equal(t, 0, r.Len())
}

func TestToggleFolder_AppliesToWholeSubtree(t *testing.T) {
	r := New(fixture())

	changed := r.ToggleFolder("auth", true)
	assert.Equal(t, 2, changed)
	assert.Equal(t, []domain.TestID{"t1", "t2"}, r.Selected())
	assert.Equal(t, All, r.FolderState("auth"))
	assert.Equal(t, All, r.FolderState("session"))

	assert.Equal(t, 0, r.ToggleFolder("auth", true), "second check changes nothing")

	r.Toggle("t2")
	assert.Equal(t, Partial, r.FolderState("auth"))
	assert.Equal(t, None, r.FolderState("session"))

	assert.Equal(t, 1, r.ToggleFolder("auth", false))
	assert.Equal(t, None, r.FolderState("auth"))
}

func TestFolderWithoutAutomatableTestsIsInert(t *testing.T) {
	tests, forest := fixture()
	r := New(tests, forest)

	assert.Equal(t, 0, r.ToggleFolder("manual", true))
	assert.Equal(t, None, r.FolderState("manual"))

	n, ok := forest.Find("manual")
	require.True(t, ok)
	assert.True(t, Inert(n.AllTests()))

	auth, _ := forest.Find("auth")
	assert.False(t, Inert(auth.AllTests()))
}

func TestTriState_IsMonotonic(t *testing.T) {
	tests, forest := fixture()
	r := New(tests, forest)
	root, ok := forest.Find("auth")
	require.True(t, ok)
	scope := root.AllTests()

	prev := r.TriState(scope)
	for _, id := range root.AutomatableIDs() {
		r.Set(id, true)
		cur := r.TriState(scope)
		assert.GreaterOrEqual(t, int(cur), int(prev), "state moved backward after selecting %s", id)
		prev = cur
	}
	assert.Equal(t, All, prev)
}

func TestReconcile_PrunesVanishedTests(t *testing.T) {
	tests, forest := fixture()
	r := New(tests, forest)
	r.Set("t1", true)
	r.Set("t4", true)
	r.Set("t5", true)

	reloaded := []domain.Test{
		{ID: "t1", Title: "login", Automation: "AUTOMATED"},
		{ID: "t4", Title: "cart", Automation: "MANUAL"},
	}
	removed := r.Reconcile(reloaded, tree.Build(reloaded, nil, nil))

	assert.Equal(t, 2, removed)
	assert.Equal(t, []domain.TestID{"t1"}, r.Selected())
	assert.False(t, r.Toggle("t5"), "vanished test cannot be selected again")
}

func TestSelectedTests_FollowListOrder(t *testing.T) {
	r := New(fixture())
	r.Set("t5", true)
	r.Set("t1", true)

	got := r.SelectedTests()
	require.Len(t, got, 2)
	assert.Equal(t, domain.TestID("t1"), got[0].ID)
	assert.Equal(t, domain.TestID("t5"), got[1].ID)

	r.Clear()
	assert.Empty(t, r.Selected())
}

func TestSummary(t *testing.T) {
	r := New(fixture())
	for _, id := range []domain.TestID{"t1", "t2", "t4", "t5"} {
		r.Set(id, true)
	}

	runs := map[domain.TestID]*domain.RunRecord{
		"t1": {Status: domain.RunCompleted, Conclusion: domain.ConclusionSuccess},
		"t2": {Status: domain.RunCompleted, Conclusion: domain.ConclusionOther},
		"t4": {Status: domain.RunInProgress},
	}
	got := r.Summary(func(id domain.TestID) *domain.RunRecord { return runs[id] })

	assert.Equal(t, Summary{Selected: 4, NoRun: 1, Running: 1, Success: 1, Failure: 1}, got)
}
