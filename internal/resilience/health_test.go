package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewHealthTracker_Defaults(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{})
	if ht.primaryMax != 3 {
		t.Errorf("primaryMax = %d, want 3", ht.primaryMax)
	}
	if ht.alternateMax != 2 {
		t.Errorf("alternateMax = %d, want 2", ht.alternateMax)
	}
}

func TestHealthTracker_UnknownProviderUnhealthy(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{})
	if ht.IsHealthy("nobody") {
		t.Fatal("unknown provider should be unhealthy")
	}
}

func TestHealthTracker_MissingCredentials(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{})
	ht.Register("openai-realtime", RolePrimary, false)
	if ht.IsHealthy("openai-realtime") {
		t.Fatal("provider without credentials should be unhealthy")
	}
	ht.RecordSuccess("openai-realtime", 50*time.Millisecond)
	if ht.IsHealthy("openai-realtime") {
		t.Fatal("success must not override missing credentials")
	}
}

func TestHealthTracker_RoleCeilings(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		failures int
		healthy  bool
	}{
		{"primary below ceiling", RolePrimary, 2, true},
		{"primary at ceiling", RolePrimary, 3, false},
		{"alternate below ceiling", RoleAlternate, 1, true},
		{"alternate at ceiling", RoleAlternate, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ht := NewHealthTracker(TrackerConfig{PrimaryMaxFailures: 3, AlternateMaxFailures: 2})
			ht.Register("p", tt.role, true)
			for range tt.failures {
				ht.RecordFailure("p", errTest)
			}
			if got := ht.IsHealthy("p"); got != tt.healthy {
				t.Errorf("IsHealthy = %v, want %v", got, tt.healthy)
			}
		})
	}
}

func TestHealthTracker_SuccessResetsFailures(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{PrimaryMaxFailures: 2})
	ht.Register("gemini-live", RolePrimary, true)
	ht.RecordFailure("gemini-live", errTest)
	ht.RecordFailure("gemini-live", errTest)
	if ht.IsHealthy("gemini-live") {
		t.Fatal("expected unhealthy after 2 failures")
	}

	ht.RecordSuccess("gemini-live", 120*time.Millisecond)
	st := ht.Status("gemini-live")
	if !st.Healthy {
		t.Fatal("expected healthy after success")
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
	if st.LastConnectLatency != 120*time.Millisecond {
		t.Errorf("LastConnectLatency = %v, want 120ms", st.LastConnectLatency)
	}
	if st.LastError != errTest.Error() {
		t.Errorf("LastError = %q, want %q", st.LastError, errTest.Error())
	}
}

func TestHealthTracker_RegisterKeepsHistory(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{})
	ht.Register("p", RolePrimary, true)
	ht.RecordFailure("p", errTest)
	ht.Register("p", RolePrimary, true)
	if got := ht.Status("p").ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestHealthTracker_Snapshot(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{})
	ht.Register("a", RolePrimary, true)
	ht.Register("b", RoleAlternate, false)
	snap := ht.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot) = %d, want 2", len(snap))
	}
	for _, st := range snap {
		switch st.Name {
		case "a":
			if !st.Healthy || st.Role != RolePrimary {
				t.Errorf("a = %+v", st)
			}
		case "b":
			if st.Healthy || st.CredentialsConfigured {
				t.Errorf("b = %+v", st)
			}
		default:
			t.Errorf("unexpected provider %q", st.Name)
		}
	}
}

func TestHealthTracker_ConcurrentUse(t *testing.T) {
	ht := NewHealthTracker(TrackerConfig{})
	ht.Register("p", RolePrimary, true)
	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 100 {
				if i%2 == 0 {
					ht.RecordFailure("p", errTest)
				} else {
					ht.RecordSuccess("p", time.Millisecond)
				}
				_ = ht.IsHealthy("p")
			}
		}()
	}
	for range 8 {
		<-done
	}
}
