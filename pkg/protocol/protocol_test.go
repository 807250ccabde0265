package protocol

import (
	"strings"
	"testing"
)

func TestWorkerInstructionsMentionsAllMarkers(t *testing.T) {
	text := WorkerInstructions()
	for _, marker := range []string{MarkerPhase, MarkerDone, MarkerSubtask, MarkerItem} {
		token := strings.TrimSuffix(marker, ":")
		if !strings.Contains(text, token) {
			t.Errorf("instructions missing marker %q", token)
		}
	}
	for _, phase := range []string{"planning", "coding", "qa_review", "qa_fixing", "complete", "failed"} {
		if !strings.Contains(text, phase) {
			t.Errorf("instructions missing phase %q", phase)
		}
	}
}

func TestWorkerInstructionsMentionsCredentialVars(t *testing.T) {
	text := WorkerInstructions()
	if !strings.Contains(text, EnvAPIKey) || !strings.Contains(text, EnvConfigDir) {
		t.Fatal("instructions missing credential environment variables")
	}
}
