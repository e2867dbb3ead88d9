package domain

import "testing"

func TestTest_Automatable(t *testing.T) {
	tests := []struct {
		automation string
		want       bool
	}{
		{"AUTOMATED", true},
		{"automated", true},
		{"Not automated", false},
		{"NOT_AUTOMATED", false},
		{"non-automated", false},
		{"semi-automated", true},
		{"auto", true},
		{" Auto ", true},
		{"manual", false},
		{"", false},
		{"automatic", false},
	}

	for _, tt := range tests {
		t.Run(tt.automation, func(t *testing.T) {
			got := Test{ID: "1", Automation: tt.automation}.Automatable()
			if got != tt.want {
				t.Errorf("Automatable(%q) = %v, want %v", tt.automation, got, tt.want)
			}
		})
	}
}

func TestSnapshot_AutomatedCount(t *testing.T) {
	snap := &Snapshot{Tests: []Test{
		{ID: "1", Automation: "AUTOMATED"},
		{ID: "2", Automation: "MANUAL"},
		{ID: "3", Automation: "auto"},
	}}

	if got := snap.AutomatedCount(); got != 2 {
		t.Errorf("AutomatedCount() = %d, want 2", got)
	}
	if _, ok := snap.TestByID("2"); !ok {
		t.Error("TestByID(2) not found")
	}
	if _, ok := snap.TestByID("9"); ok {
		t.Error("TestByID(9) found, want missing")
	}
}
