package prompt_test

import (
	"strings"
	"testing"

	"github.com/zenc-ai/voicegate/internal/prompt"
	"github.com/zenc-ai/voicegate/internal/session"
	"github.com/zenc-ai/voicegate/internal/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

func learner(confidence float64, level string) store.Profile {
	return store.Profile{
		UserID:          "u1",
		DisplayName:     "Linh",
		NativeLanguage:  "vi",
		TargetLanguage:  "en",
		CEFRLevel:       level,
		ConfidenceScore: confidence,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRegisterFor_Bands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  prompt.Register
	}{
		{0.0, prompt.RegisterScaffolded},
		{0.39, prompt.RegisterScaffolded},
		{0.4, prompt.RegisterBalanced},
		{0.5, prompt.RegisterBalanced},
		{0.8, prompt.RegisterBalanced},
		{0.81, prompt.RegisterImmersive},
		{1.0, prompt.RegisterImmersive},
	}
	for _, tt := range tests {
		if got := prompt.RegisterFor(tt.score); got != tt.want {
			t.Errorf("RegisterFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestBuild_RegisterText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		confidence float64
		contains   string
	}{
		{"scaffolded", 0.2, "explain\ndifficult words"},
		{"zero confidence is scaffolded", 0, "The learner is not yet confident"},
		{"balanced", 0.6, "only briefly"},
		{"immersive", 0.9, "Speak only English and never switch to Vietnamese"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := prompt.Build(learner(tt.confidence, "B1"), session.ModeFreeTalk, session.Scenario{})
			want := strings.ReplaceAll(tt.contains, "\n", " ")
			if !strings.Contains(got, want) {
				t.Errorf("Build() missing %q:\n%s", want, got)
			}
		})
	}
}

func TestBuild_EveryModeHasDistinctInstruction(t *testing.T) {
	t.Parallel()

	seen := make(map[string]session.Mode)
	for _, m := range session.Modes {
		instr := prompt.ModeInstruction(m)
		if instr == "" {
			t.Fatalf("mode %s has no instruction", m)
		}
		if prev, dup := seen[instr]; dup {
			t.Errorf("modes %s and %s share an instruction", prev, m)
		}
		seen[instr] = m

		got := prompt.Build(learner(0.5, "B1"), m, session.Scenario{})
		if !strings.Contains(got, instr) {
			t.Errorf("Build(%s) does not contain its mode instruction", m)
		}
		if !strings.Contains(got, "## Mode: "+m.Label()) {
			t.Errorf("Build(%s) missing mode header", m)
		}
	}
}

func TestBuild_CEFRGuidance(t *testing.T) {
	t.Parallel()

	a1 := prompt.Build(learner(0.5, "A1"), session.ModeFreeTalk, session.Scenario{})
	c2 := prompt.Build(learner(0.5, "c2"), session.ModeFreeTalk, session.Scenario{})
	if !strings.Contains(a1, prompt.CEFRGuidance("A1")) || !strings.Contains(a1, "CEFR A1") {
		t.Error("A1 prompt missing A1 guidance")
	}
	if !strings.Contains(c2, prompt.CEFRGuidance("C2")) || !strings.Contains(c2, "CEFR C2") {
		t.Error("C2 prompt missing C2 guidance")
	}
	if prompt.CEFRGuidance("Z9") != prompt.CEFRGuidance("B1") {
		t.Error("unknown level should fall back to B1")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()

	p := learner(0.7, "B2")
	p.Interests = []string{"football", "cooking"}
	sc := session.Scenario{ID: "restaurant", Category: "daily-life", Difficulty: "easy"}
	a := prompt.Build(p, session.ModeRolePlay, sc)
	b := prompt.Build(p, session.ModeRolePlay, sc)
	if a != b {
		t.Fatal("Build is not deterministic")
	}
	for _, want := range []string{"Scenario: restaurant (daily-life)", "Difficulty: easy", "football, cooking", "talking with Linh"} {
		if !strings.Contains(a, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuild_OmitsEmptySections(t *testing.T) {
	t.Parallel()

	got := prompt.Build(store.Profile{UserID: "u1"}, session.ModeDebate, session.Scenario{})
	if strings.Contains(got, "## Scenario") || strings.Contains(got, "## Learner Interests") {
		t.Errorf("empty sections rendered:\n%s", got)
	}
	// Defaults: vi → en, B1, balanced.
	if !strings.Contains(got, "CEFR B1") || !strings.Contains(got, "Speak English") {
		t.Errorf("defaults not applied:\n%s", got)
	}
}

func TestGreetingAndModeSwitch(t *testing.T) {
	t.Parallel()

	p := learner(0.5, "B1")
	if got := prompt.Greeting(p, session.ModeInterview); !strings.Contains(got, "Linh") || !strings.Contains(got, "interview") {
		t.Errorf("Greeting() = %q", got)
	}
	if got := prompt.Greeting(store.Profile{}, session.ModeFreeTalk); !strings.Contains(got, "the learner") {
		t.Errorf("Greeting() without name = %q", got)
	}
	sw := prompt.ModeSwitch(p, session.ModeDebate, session.Scenario{})
	if !strings.Contains(sw, "Debate mode") || !strings.Contains(sw, prompt.ModeInstruction(session.ModeDebate)) {
		t.Errorf("ModeSwitch() = %q", sw)
	}
	if got := prompt.ModeSwitchedMessage(session.ModeShadowing); got != "Switched to Shadowing mode." {
		t.Errorf("ModeSwitchedMessage() = %q", got)
	}
}

func TestLanguageName(t *testing.T) {
	t.Parallel()

	if got := prompt.LanguageName("VI"); got != "Vietnamese" {
		t.Errorf("LanguageName(VI) = %q", got)
	}
	if got := prompt.LanguageName("xx"); got != "xx" {
		t.Errorf("LanguageName(xx) = %q", got)
	}
}
