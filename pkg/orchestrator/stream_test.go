package orchestrator

import (
	"context"
	"strings"
	"testing"
)

func collectUpdates(t *testing.T, updates <-chan StreamUpdate) []StreamUpdate {
	t.Helper()
	var out []StreamUpdate
	for update := range updates {
		out = append(out, update)
	}
	return out
}

func TestStreamProcessSingleStage(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "alpha beta gamma"

	updates, err := f.engine.StreamProcess(context.Background(), Request{
		Prompt:   "ping",
		Pattern:  "gut",
		Strategy: "speed",
	})
	if err != nil {
		t.Fatal(err)
	}

	all := collectUpdates(t, updates)
	if len(all) < 2 {
		t.Fatalf("got %d updates, want content plus terminator", len(all))
	}

	var content strings.Builder
	for _, u := range all[:len(all)-1] {
		if u.Error != "" {
			t.Fatalf("unexpected error update: %+v", u)
		}
		if u.Model != "mA" || u.Stage != "initial" {
			t.Fatalf("update routed to %s/%s", u.Model, u.Stage)
		}
		content.WriteString(u.Content)
	}
	if got := content.String(); got != "alpha beta gamma" {
		t.Fatalf("streamed content = %q", got)
	}

	last := all[len(all)-1]
	if !last.Done || last.Stage != "summary" || last.Progress != 100 {
		t.Fatalf("terminator = %+v", last)
	}
}

func TestStreamProcessRunsTrailingStages(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addRecording(t, "mA", "the initial answer")

	updates, err := f.engine.StreamProcess(context.Background(), Request{
		Prompt:   "evaluate this",
		Pattern:  "confidence",
		Strategy: "speed",
	})
	if err != nil {
		t.Fatal(err)
	}

	all := collectUpdates(t, updates)

	sawMeta := false
	for _, u := range all {
		if u.Stage == "meta" {
			sawMeta = true
		}
	}
	if !sawMeta {
		t.Fatal("no update for the meta stage")
	}

	// The meta prompt carries the streamed first-stage answer.
	prompts := adapter.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("prompt count = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "the initial answer") {
		t.Fatalf("meta prompt lacks the first-stage answer:\n%s", prompts[1])
	}

	last := all[len(all)-1]
	if !last.Done || last.Stage != "summary" {
		t.Fatalf("terminator = %+v", last)
	}
}

func TestStreamProcessHonorsAnalysisMode(t *testing.T) {
	f := newEngineFixture(t)
	adapter := f.addMock(t, "mA", mockModel("mA"))
	adapter.FixedResponse = "pong"

	updates, err := f.engine.StreamProcess(context.Background(), Request{
		Prompt:       "ping",
		Pattern:      "confidence",
		AnalysisMode: "quick",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The quick preset runs the single-stage gut pattern, so no meta
	// stage appears even though the request asked for confidence.
	for _, u := range collectUpdates(t, updates) {
		if u.Stage == "meta" {
			t.Fatal("meta stage ran despite the quick mode preset")
		}
	}

	if _, err := f.engine.StreamProcess(context.Background(), Request{
		Prompt:       "ping",
		AnalysisMode: "nope",
	}); err == nil {
		t.Fatal("unknown analysis mode accepted")
	}
}

func TestStreamProcessRejectsEmptyPrompt(t *testing.T) {
	f := newEngineFixture(t)
	f.addMock(t, "mA", mockModel("mA"))

	if _, err := f.engine.StreamProcess(context.Background(), Request{}); err == nil {
		t.Fatal("StreamProcess accepted an empty prompt")
	}
}

func TestStreamProcessRejectsUnknownPattern(t *testing.T) {
	f := newEngineFixture(t)
	f.addMock(t, "mA", mockModel("mA"))

	_, err := f.engine.StreamProcess(context.Background(), Request{
		Prompt:  "q",
		Pattern: "nope",
	})
	if err == nil {
		t.Fatal("StreamProcess accepted an unknown pattern")
	}
}
