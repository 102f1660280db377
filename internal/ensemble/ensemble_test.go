package ensemble

import "testing"

func TestWeighted_Combine(t *testing.T) {
	t.Parallel()
	w := Weighted{PrimaryWeight: DefaultPrimaryWeight, SecondaryWeight: DefaultSecondaryWeight}

	tests := []struct {
		name string
		v    Verdicts
		want bool
	}{
		{"both speech", Verdicts{true, true, true, true}, true},
		{"secondary only outweighs", Verdicts{false, true, true, true}, true},
		{"primary only below half", Verdicts{true, false, true, true}, false},
		{"both silent", Verdicts{false, false, true, true}, false},
		{"primary alone speech", Verdicts{Primary: true, PrimaryEnabled: true}, true},
		{"primary alone silent", Verdicts{PrimaryEnabled: true}, false},
		{"secondary alone speech", Verdicts{Secondary: true, SecondaryEnabled: true}, true},
		{"disabled secondary ignored", Verdicts{Primary: true, Secondary: false, PrimaryEnabled: true}, true},
		{"nothing enabled", Verdicts{Primary: true, Secondary: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := w.Combine(tt.v); got != tt.want {
				t.Errorf("Combine(%+v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestWeighted_ScoreBoundary(t *testing.T) {
	t.Parallel()
	w := Weighted{PrimaryWeight: 0.5, SecondaryWeight: 0.5}
	v := Verdicts{Primary: true, PrimaryEnabled: true, SecondaryEnabled: true}
	if got := w.Score(v); got != 0.5 {
		t.Fatalf("Score = %v, want 0.5", got)
	}
	if w.Combine(v) {
		t.Fatal("score of exactly 0.5 must not count as speech")
	}
}

func TestAnyOfAllOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		v       Verdicts
		wantAny bool
		wantAll bool
	}{
		{"both speech", Verdicts{true, true, true, true}, true, true},
		{"split", Verdicts{true, false, true, true}, true, false},
		{"both silent", Verdicts{false, false, true, true}, false, false},
		{"single enabled speech", Verdicts{Secondary: true, SecondaryEnabled: true}, true, true},
		{"nothing enabled", Verdicts{}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := (AnyOf{}).Combine(tt.v); got != tt.wantAny {
				t.Errorf("AnyOf = %v, want %v", got, tt.wantAny)
			}
			if got := (AllOf{}).Combine(tt.v); got != tt.wantAll {
				t.Errorf("AllOf = %v, want %v", got, tt.wantAll)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy   string
		wantName string
		wantErr  bool
	}{
		{"", PolicyWeighted, false},
		{"weighted", PolicyWeighted, false},
		{"any", PolicyAny, false},
		{"all", PolicyAll, false},
		{"majority", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			t.Parallel()
			c, err := New(tt.policy, 0.3, 0.7)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("New(%q) = %v, want error", tt.policy, c)
				}
				if IsValidPolicy(tt.policy) {
					t.Errorf("IsValidPolicy(%q) = true", tt.policy)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q): %v", tt.policy, err)
			}
			if c.Name() != tt.wantName {
				t.Errorf("Name = %q, want %q", c.Name(), tt.wantName)
			}
			if !IsValidPolicy(tt.policy) {
				t.Errorf("IsValidPolicy(%q) = false", tt.policy)
			}
		})
	}
}

func TestNew_NegativeWeight(t *testing.T) {
	t.Parallel()
	if _, err := New(PolicyWeighted, -0.1, 0.7); err == nil {
		t.Fatal("expected error for negative weight")
	}
}
