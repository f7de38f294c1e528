package registry

import (
	"testing"

	"github.com/taskflow/taskflow/internal/agent/contract"
)

func TestInstallAndLookup(t *testing.T) {
	r := New()

	if _, _, ok := r.Complete("TF-1"); ok {
		t.Fatal("empty registry returned a callback")
	}

	called := ""
	restore := r.InstallComplete("TF-1", contract.ModeExecution, func(summary string) error {
		called = summary
		return nil
	})

	fn, mode, ok := r.Complete("TF-1")
	if !ok {
		t.Fatal("installed callback not found")
	}
	if mode != contract.ModeExecution {
		t.Errorf("mode = %q, want %q", mode, contract.ModeExecution)
	}
	if err := fn("done"); err != nil {
		t.Fatalf("callback error = %v", err)
	}
	if called != "done" {
		t.Errorf("called = %q", called)
	}

	restore()
	if _, _, ok := r.Complete("TF-1"); ok {
		t.Error("callback survived restore")
	}
}

func TestInstallStashesAndRestores(t *testing.T) {
	r := New()

	first := r.InstallPlan("TF-2", contract.ModePlanning, func(PlanPayload) error { return nil })
	_ = first

	var got string
	second := r.InstallPlan("TF-2", contract.ModeChat, func(p PlanPayload) error {
		got = p.Goal
		return nil
	})

	fn, mode, ok := r.Plan("TF-2")
	if !ok || mode != contract.ModeChat {
		t.Fatalf("top slot mode = %q ok=%v, want chat", mode, ok)
	}
	_ = fn(PlanPayload{Goal: "temporary"})
	if got != "temporary" {
		t.Errorf("got = %q", got)
	}

	second()
	_, mode, ok = r.Plan("TF-2")
	if !ok || mode != contract.ModePlanning {
		t.Errorf("after restore mode = %q ok=%v, want planning", mode, ok)
	}
}

func TestRestoreIsIdempotentAndOrderIndependent(t *testing.T) {
	r := New()

	first := r.InstallAttach("TF-3", contract.ModeExecution, func(AttachPayload) error { return nil })
	second := r.InstallAttach("TF-3", contract.ModeChat, func(AttachPayload) error { return nil })

	// Out-of-order release must still leave the later install on top.
	first()
	first()
	_, mode, ok := r.Attach("TF-3")
	if !ok || mode != contract.ModeChat {
		t.Fatalf("mode = %q ok=%v, want chat", mode, ok)
	}

	second()
	if _, _, ok := r.Attach("TF-3"); ok {
		t.Error("slot not empty after both restores")
	}
}

func TestSlotsAreIndependentPerTaskAndTool(t *testing.T) {
	r := New()

	r.InstallComplete("TF-4", contract.ModeExecution, func(string) error { return nil })

	if _, _, ok := r.Complete("TF-5"); ok {
		t.Error("slot leaked across task ids")
	}
	if _, _, ok := r.Plan("TF-4"); ok {
		t.Error("slot leaked across tools")
	}
}
