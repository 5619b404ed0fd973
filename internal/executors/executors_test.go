package executors

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

type stubExecutor struct {
	outcome     Outcome
	validateErr error
	gotSpec     trigger.ActionSpec
}

func (s *stubExecutor) Validate(spec trigger.ActionSpec) error {
	s.gotSpec = spec
	return s.validateErr
}

func (s *stubExecutor) Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) Outcome {
	s.gotSpec = spec
	return s.outcome
}

func TestDispatcher_RoutesByActionType(t *testing.T) {
	chat := &stubExecutor{outcome: ok()}
	httpEx := &stubExecutor{outcome: ok()}
	tool := &stubExecutor{outcome: ok()}
	d := NewDispatcher(chat, httpEx, tool)

	d.Execute(context.Background(), trigger.ActionSpec{Type: trigger.ActionChat}, chainevent.Event{})
	if chat.gotSpec.Type != trigger.ActionChat {
		t.Error("expected chat executor invoked for ActionChat")
	}

	d.Execute(context.Background(), trigger.ActionSpec{Type: trigger.ActionHTTP}, chainevent.Event{})
	if httpEx.gotSpec.Type != trigger.ActionHTTP {
		t.Error("expected http executor invoked for ActionHTTP")
	}

	d.Execute(context.Background(), trigger.ActionSpec{Type: trigger.ActionTool}, chainevent.Event{})
	if tool.gotSpec.Type != trigger.ActionTool {
		t.Error("expected tool executor invoked for ActionTool")
	}
}

func TestDispatcher_UnknownTypeIsPermanentAttributable(t *testing.T) {
	d := NewDispatcher(&stubExecutor{}, &stubExecutor{}, &stubExecutor{})
	out := d.Execute(context.Background(), trigger.ActionSpec{Type: "carrier_pigeon"}, chainevent.Event{})
	if out.Status != actionjob.ResultPermanentFail || !out.Attributable {
		t.Fatalf("expected unknown action type to be a permanent attributable failure, got %+v", out)
	}
}

func TestActionTimeout_FallsBackWhenUnset(t *testing.T) {
	if got := actionTimeout(trigger.ActionSpec{}, 5*time.Second); got != 5*time.Second {
		t.Errorf("expected fallback timeout, got %v", got)
	}
	if got := actionTimeout(trigger.ActionSpec{TimeoutMS: 2500}, 5*time.Second); got != 2500*time.Millisecond {
		t.Errorf("expected configured timeout, got %v", got)
	}
}

func TestBoundedReason_CapsLength(t *testing.T) {
	long := strings.Repeat("x", 1000)
	out := permanent(long, true)
	if len(out.Reason) != 500 {
		t.Errorf("expected reason truncated to 500 chars, got %d", len(out.Reason))
	}

	short := "boom"
	out2 := transient(short, nil)
	if out2.Reason != short {
		t.Errorf("expected short reason unchanged, got %q", out2.Reason)
	}
}
