package lab

import (
	"context"
	"testing"
)

func TestAllScenariosPass(t *testing.T) {
	ctx := context.Background()
	for _, out := range RunAll(ctx) {
		if !out.Passed {
			t.Errorf("%s (%s): %s", out.ID, out.Description, out.Detail)
		}
	}
}

func TestRunSingleScenario(t *testing.T) {
	out, err := Run(context.Background(), "QA-001")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Passed {
		t.Fatalf("QA-001 failed: %s", out.Detail)
	}
}

func TestRunUnknownScenario(t *testing.T) {
	if _, err := Run(context.Background(), "QA-999"); err == nil {
		t.Fatalf("expected unknown scenario error")
	}
}
