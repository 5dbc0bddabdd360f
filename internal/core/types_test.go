package core

import "testing"

// ===== State Machine Tests =====

func TestImportStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ImportStatus
		want     bool
	}{
		{ImportPending, ImportValidating, true},
		{ImportPending, ImportProcessing, false},
		{ImportValidating, ImportProcessing, true},
		{ImportValidating, ImportCancelled, true},
		{ImportProcessing, ImportCompleted, true},
		{ImportProcessing, ImportValidating, false},
		{ImportCompleted, ImportFailed, false},
		{ImportFailed, ImportProcessing, false},
		{ImportCancelled, ImportCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImportStatus_TerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []ImportStatus{ImportCompleted, ImportFailed, ImportCancelled} {
		if !s.Terminal() || s.Active() {
			t.Errorf("%s: terminal=%v active=%v", s, s.Terminal(), s.Active())
		}
		if len(importTransitions[s]) != 0 {
			t.Errorf("%s has outgoing transitions", s)
		}
	}
}

func TestImportJob_Percent(t *testing.T) {
	tests := []struct {
		name string
		job  ImportJob
		want float64
	}{
		{"half", ImportJob{Status: ImportProcessing, TotalRows: 10, ProcessedRows: 5}, 50},
		{"unknown total", ImportJob{Status: ImportValidating}, 0},
		{"failed before counting", ImportJob{Status: ImportFailed}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Percent(); got != tt.want {
				t.Errorf("Percent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPage_Normalize(t *testing.T) {
	p := Page{Number: 0, Size: 10000}.Normalize()
	if p.Number != 1 || p.Size != 500 {
		t.Errorf("Normalize = %+v", p)
	}
	if off := (Page{Number: 3, Size: 20}).Offset(); off != 40 {
		t.Errorf("Offset = %d, want 40", off)
	}
}
