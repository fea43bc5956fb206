package selector

import "testing"

func TestLoadAddIsAtomicAndCumulative(t *testing.T) {
	var l Load
	l.Add(1.5)
	l.Add(2.5)
	if got := l.Get(); got != 4.0 {
		t.Errorf("Get() = %v, want 4.0", got)
	}
	l.Add(-4.0)
	if got := l.Get(); got != 0.0 {
		t.Errorf("Get() after negative Add = %v, want 0.0", got)
	}
}

func candidates(weights ...float64) []Candidate {
	out := make([]Candidate, len(weights))
	for i, w := range weights {
		out[i] = Candidate{Index: i, Enabled: true, SWeight: w, Load: &Load{}}
	}
	return out
}

func TestSelectLocalityWins(t *testing.T) {
	cands := candidates(1, 1, 1, 1)
	idx, err := Select(3, cands, 1.0)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if idx != 3 {
		t.Errorf("Select() = %d, want 3 (owner device)", idx)
	}
}

func TestSelectPicksLeastLoaded(t *testing.T) {
	cands := candidates(1, 1, 1)
	cands[0].Load.Add(10)
	cands[2].Load.Add(5)

	idx, err := Select(-1, cands, 1.0)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if idx != 2 {
		t.Errorf("Select() = %d, want 2 (lowest load+weight; index 1 is reserved)", idx)
	}
}

func TestSelectTieBreaksOnLowestIndex(t *testing.T) {
	cands := candidates(2, 2, 2)
	idx, err := Select(-1, cands, 1.0)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if idx != 0 {
		t.Errorf("Select() = %d, want 0 on a tie", idx)
	}
}

func TestSelectSkipsDisabledAndDevice1(t *testing.T) {
	cands := candidates(1, 1, 1)
	cands[0].Enabled = false
	// index 1 is the reserved pseudo-device and must never be picked,
	// even though it is enabled and lightest.
	idx, err := Select(-1, cands, 1.0)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if idx != 2 {
		t.Errorf("Select() = %d, want 2 (0 disabled, 1 reserved)", idx)
	}
}

func TestSelectBumpsChosenCandidateLoad(t *testing.T) {
	cands := candidates(4)
	cands[0].Index = 0
	idx, err := Select(-1, cands, 2.0)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if idx != 0 {
		t.Fatalf("Select() = %d, want 0", idx)
	}
	if got := cands[0].Load.Get(); got != 8.0 {
		t.Errorf("chosen candidate's load = %v, want 8.0 (ratio*sweight)", got)
	}
}

func TestSelectNoCandidatesReturnsError(t *testing.T) {
	_, err := Select(-1, nil, 1.0)
	if err != ErrNoCandidates {
		t.Errorf("Select() error = %v, want ErrNoCandidates", err)
	}
}

func TestCoresPerSMKnownAndFallback(t *testing.T) {
	if got := CoresPerSM(6, 1); got != 128 {
		t.Errorf("CoresPerSM(6,1) = %d, want 128", got)
	}
	if got := CoresPerSM(9, 9); got != 128 {
		t.Errorf("CoresPerSM(9,9) fallback = %d, want 128", got)
	}
}

func TestDWeightRatioClampsToHighestGeneration(t *testing.T) {
	if got := DWeightRatio(1); got != 8 {
		t.Errorf("DWeightRatio(1) = %v, want 8", got)
	}
	if got := DWeightRatio(8); got != DWeightRatio(3) {
		t.Errorf("DWeightRatio(8) = %v, want clamped to DWeightRatio(3) = %v", got, DWeightRatio(3))
	}
}

func TestDWeightDerivesFromRatio(t *testing.T) {
	sweight := 600.0
	got := DWeight(sweight, 2)
	want := sweight / 2
	if got != want {
		t.Errorf("DWeight() = %v, want %v", got, want)
	}
}
