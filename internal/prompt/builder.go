// Package prompt builds the upstream system prompt that adapts the AI tutor to
// a learner.
//
// [Build] is a pure function of the learner profile, the conversation mode and
// the optional scenario: it performs no I/O, has no side effects, and is safe
// for concurrent use. Empty sections are omitted rather than rendered as
// empty headers.
package prompt

import (
	"fmt"
	"strings"

	"github.com/zenc-ai/voicegate/internal/session"
	"github.com/zenc-ai/voicegate/internal/store"
)

// Confidence band boundaries.
const (
	LowConfidence  = 0.4
	HighConfidence = 0.8
)

// Register is the language-register band chosen from the confidence score.
type Register int

const (
	// RegisterScaffolded explains in the native language and keeps the
	// target language simple.
	RegisterScaffolded Register = iota

	// RegisterBalanced mixes both languages.
	RegisterBalanced

	// RegisterImmersive uses the target language only.
	RegisterImmersive
)

// RegisterFor maps a confidence score to its band: below 0.4 scaffolded,
// above 0.8 immersive, otherwise balanced.
func RegisterFor(confidence float64) Register {
	switch {
	case confidence < LowConfidence:
		return RegisterScaffolded
	case confidence > HighConfidence:
		return RegisterImmersive
	default:
		return RegisterBalanced
	}
}

var languageNames = map[string]string{
	"en": "English",
	"vi": "Vietnamese",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
}

// LanguageName returns the English name of an ISO 639-1 code, or the code
// itself when unknown.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

var modeInstructions = map[session.Mode]string{
	session.ModeFreeTalk: "Have a relaxed, open conversation. Follow the learner's lead, " +
		"ask one follow-up question at a time, and bring in their interests when the talk stalls.",
	session.ModeRolePlay: "Stay in character for the role-play scenario. Set the scene in one sentence, " +
		"play your role naturally, and steer the learner toward completing the scenario's goal.",
	session.ModeShadowing: "Run a shadowing drill. Say one short, natural sentence, ask the learner " +
		"to repeat it exactly, then comment briefly on rhythm and stress before giving the next sentence.",
	session.ModeDebate: "Hold a friendly debate. Take the opposite position to the learner, give one " +
		"clear argument per turn, and ask them to defend their view with reasons and examples.",
	session.ModeInterview: "Act as a professional interviewer. Ask one interview question at a time, " +
		"follow up on vague answers, and keep a polite, formal tone.",
	session.ModeTopicDiscussion: "Lead a structured discussion of the chosen topic. Introduce one idea " +
		"at a time, ask for the learner's opinion, and teach one useful topic word per turn.",
}

var cefrGuidance = map[string]string{
	"A1": "Use very short sentences, the present tense and the most common 500 words. Speak slowly.",
	"A2": "Use short sentences and everyday vocabulary. Avoid idioms and complex tenses.",
	"B1": "Use clear, connected sentences on familiar topics. Introduce common phrasal verbs sparingly.",
	"B2": "Use natural speech with varied tenses and some idioms. Encourage longer answers.",
	"C1": "Use rich, idiomatic language and nuanced vocabulary. Challenge the learner's precision.",
	"C2": "Speak as you would with an educated native speaker, including subtle humour and register shifts.",
}

// CEFRGuidance returns the complexity guidance for level, falling back to B1.
func CEFRGuidance(level string) string {
	if g, ok := cefrGuidance[strings.ToUpper(level)]; ok {
		return g
	}
	return cefrGuidance["B1"]
}

// ModeInstruction returns the behavioural instruction for mode, falling back
// to free talk.
func ModeInstruction(mode session.Mode) string {
	if s, ok := modeInstructions[mode]; ok {
		return s
	}
	return modeInstructions[session.ModeFreeTalk]
}

// RegisterInstruction renders the language-register instruction for p.
func RegisterInstruction(p store.Profile) string {
	native := LanguageName(p.NativeLanguage)
	target := LanguageName(p.TargetLanguage)
	switch RegisterFor(p.ConfidenceScore) {
	case RegisterScaffolded:
		return fmt.Sprintf("The learner is not yet confident. Speak mostly simple %s, but explain "+
			"difficult words and every correction in %s. Praise effort often.", target, native)
	case RegisterImmersive:
		return fmt.Sprintf("The learner is confident. Speak only %s and never switch to %s, "+
			"even when asked; paraphrase instead.", target, native)
	default:
		return fmt.Sprintf("Speak %s. Switch to %s only briefly when the learner is clearly stuck, "+
			"then return to %s.", target, native, target)
	}
}

// Build returns the system prompt for profile p in mode, with the optional
// scenario context.
func Build(p store.Profile, mode session.Mode, sc session.Scenario) string {
	p = p.WithDefaults()
	var sb strings.Builder

	// ── Opening line ──────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "You are a friendly %s speaking tutor", LanguageName(p.TargetLanguage))
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		fmt.Fprintf(&sb, " talking with %s", name)
	}
	sb.WriteString(". Keep every reply short enough to say aloud in under 20 seconds.")

	// ── Language register ─────────────────────────────────────────────────────
	sb.WriteString("\n\n## Language\n")
	sb.WriteString(RegisterInstruction(p))

	// ── Level ─────────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "\n\n## Level (CEFR %s)\n", strings.ToUpper(p.CEFRLevel))
	sb.WriteString(CEFRGuidance(p.CEFRLevel))

	// ── Mode ──────────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "\n\n## Mode: %s\n", mode.Label())
	sb.WriteString(ModeInstruction(mode))

	// ── Scenario ──────────────────────────────────────────────────────────────
	if s := scenarioSection(sc); s != "" {
		sb.WriteString("\n\n## Scenario\n")
		sb.WriteString(s)
	}

	// ── Interests ─────────────────────────────────────────────────────────────
	if len(p.Interests) > 0 {
		sb.WriteString("\n\n## Learner Interests\n")
		sb.WriteString(strings.Join(p.Interests, ", "))
	}

	return sb.String()
}

func scenarioSection(sc session.Scenario) string {
	var lines []string
	if sc.ID != "" {
		line := "Scenario: " + sc.ID
		if sc.Category != "" {
			line += " (" + sc.Category + ")"
		}
		lines = append(lines, line)
	}
	if sc.Difficulty != "" {
		lines = append(lines, "Difficulty: "+sc.Difficulty)
	}
	if sc.TopicID != "" {
		lines = append(lines, "Topic: "+sc.TopicID)
	}
	return strings.Join(lines, "\n")
}

// Greeting returns the text prompt that asks the tutor to open the
// conversation.
func Greeting(p store.Profile, mode session.Mode) string {
	p = p.WithDefaults()
	who := "the learner"
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		who = name
	}
	return fmt.Sprintf("Greet %s warmly in one sentence and start the %s session with a first question.",
		who, strings.ToLower(mode.Label()))
}

// ModeSwitch returns the text prompt injected into a running conversation
// when the learner changes mode. It carries the full rebuilt system prompt.
func ModeSwitch(p store.Profile, mode session.Mode, sc session.Scenario) string {
	return "The learner switched to " + mode.Label() + " mode. From now on follow these instructions:\n\n" +
		Build(p, mode, sc)
}

// ScenarioSet returns the text prompt injected when a scenario is chosen.
func ScenarioSet(p store.Profile, mode session.Mode, sc session.Scenario) string {
	return "The learner chose a new scenario. Start it now, following these instructions:\n\n" +
		Build(p, mode, sc)
}

// ModeSwitchedMessage is the human-readable confirmation sent to the client.
func ModeSwitchedMessage(mode session.Mode) string {
	return "Switched to " + mode.Label() + " mode."
}
