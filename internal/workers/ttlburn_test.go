package workers

import "testing"

func TestAllocateFIFO(t *testing.T) {
	lots := []earnLot{
		{ID: "oldest", Remaining: 30},
		{ID: "middle", Remaining: 50},
		{ID: "newest", Remaining: 40},
	}

	tests := []struct {
		name      string
		budget    int64
		wantTotal int64
		wantTakes []burnTake
	}{
		{
			"budget covers everything",
			200, 120,
			[]burnTake{{"oldest", 30}, {"middle", 50}, {"newest", 40}},
		},
		{
			"budget splits a lot",
			70, 70,
			[]burnTake{{"oldest", 30}, {"middle", 40}},
		},
		{
			"budget below first lot",
			10, 10,
			[]burnTake{{"oldest", 10}},
		},
		{
			"zero budget",
			0, 0, nil,
		},
		{
			"negative budget",
			-5, 0, nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			takes, total := allocateFIFO(lots, tt.budget)
			if total != tt.wantTotal {
				t.Errorf("total: got %d, want %d", total, tt.wantTotal)
			}
			if len(takes) != len(tt.wantTakes) {
				t.Fatalf("takes: got %v, want %v", takes, tt.wantTakes)
			}
			for i := range takes {
				if takes[i] != tt.wantTakes[i] {
					t.Errorf("takes[%d]: got %+v, want %+v", i, takes[i], tt.wantTakes[i])
				}
			}
		})
	}
}

func TestAllocateFIFOSkipsDrainedLots(t *testing.T) {
	lots := []earnLot{
		{ID: "drained", Remaining: 0},
		{ID: "live", Remaining: 25},
	}
	takes, total := allocateFIFO(lots, 100)
	if total != 25 || len(takes) != 1 || takes[0].ID != "live" {
		t.Errorf("drained lots must be skipped: takes=%v total=%d", takes, total)
	}
}

func TestAllocateFIFONeverOverdraws(t *testing.T) {
	lots := []earnLot{{ID: "a", Remaining: 7}, {ID: "b", Remaining: 11}}
	for budget := int64(0); budget <= 25; budget++ {
		takes, total := allocateFIFO(lots, budget)
		if total > budget {
			t.Fatalf("budget %d: allocated %d", budget, total)
		}
		var sum int64
		for _, take := range takes {
			sum += take.Take
		}
		if sum != total {
			t.Fatalf("budget %d: takes sum %d != total %d", budget, sum, total)
		}
		if total > 18 {
			t.Fatalf("budget %d: allocated more than lots hold", budget)
		}
	}
}
