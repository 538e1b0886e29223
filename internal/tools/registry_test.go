package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"phaseloop/internal/loop"
)

func echoTool(name string, mutating bool) *Tool {
	return &Tool{
		Name:       name,
		Mutating:   mutating,
		ContentArg: "content",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok:" + StringArg(args, "path"), nil
		},
		Schema: ToolSchema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":    {Type: "string"},
				"content": {Type: "string"},
				"limit":   {Type: "integer"},
			},
		},
	}
}

type fakeGate struct{ blocked bool }

func (g *fakeGate) AllowTool(name string, mutating bool) error {
	if g.blocked && mutating {
		return fmt.Errorf("%w: %s", loop.ErrToolBlocked, name)
	}
	return nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	if reg.Count() != 0 {
		t.Errorf("new registry should be empty, got %d tools", reg.Count())
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(echoTool("test_tool", false)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got := reg.Get("test_tool")
	if got == nil || got.Name != "test_tool" {
		t.Fatalf("Get returned %+v", got)
	}
	if !reg.Has("test_tool") || reg.Has("missing") {
		t.Error("Has reports wrong membership")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("dupe", false))
	if err := reg.Register(echoTool("dupe", false)); !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Fatalf("expected ErrToolAlreadyRegistered, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil)
	tests := []struct {
		name    string
		tool    *Tool
		wantErr error
	}{
		{
			name:    "empty name",
			tool:    &Tool{Execute: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }},
			wantErr: ErrToolNameEmpty,
		},
		{
			name:    "nil execute",
			tool:    &Tool{Name: "no_exec"},
			wantErr: ErrToolExecuteNil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.tool); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecuteRecordsAction(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("write_file", true))
	tracker := loop.NewActionTracker(10, nil)
	reg.SetRecorder(tracker)

	res, err := reg.Execute(context.Background(), Call{
		Name:  "write_file",
		Args:  map[string]any{"path": "./a/../b.go", "content": "package b"},
		Phase: "coding",
		Agent: "coder",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output != "ok:./a/../b.go" || !res.Mutating || res.Target != "b.go" {
		t.Errorf("unexpected result %+v", res)
	}

	recs := tracker.Window()
	if len(recs) != 1 {
		t.Fatalf("expected 1 recorded action, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Phase != "coding" || rec.Agent != "coder" || !rec.Mutating || !rec.Success {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Signature != "write_file(path=b.go)" {
		t.Errorf("signature = %q", rec.Signature)
	}
	if rec.ContentHash == "" || rec.ContentHash != contentHash("package b") {
		t.Errorf("content hash = %q", rec.ContentHash)
	}
}

func TestExecuteStructuralErrors(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("read_file", false))
	tracker := loop.NewActionTracker(10, nil)
	reg.SetRecorder(tracker)
	ctx := context.Background()

	tests := []struct {
		name    string
		call    Call
		wantErr error
	}{
		{"unknown tool", Call{Name: "nope", Args: map[string]any{}}, ErrToolNotFound},
		{"missing arg", Call{Name: "read_file", Args: map[string]any{}}, ErrMissingRequiredArg},
		{"wrong type", Call{Name: "read_file", Args: map[string]any{"path": "x", "limit": "ten"}}, ErrInvalidArgType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Execute(ctx, tt.call)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if KindOf(err) != KindStructural || res.Kind() != KindStructural {
				t.Errorf("kind = %q", KindOf(err))
			}
			if res.IsSuccess() {
				t.Error("result should not be successful")
			}
		})
	}
	if tracker.Len() != len(tests) {
		t.Errorf("every invocation should be recorded, got %d", tracker.Len())
	}
}

func TestExecuteGate(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("write_file", true))
	reg.MustRegister(echoTool("read_file", false))
	gate := &fakeGate{blocked: true}
	reg.SetGate(gate)
	ctx := context.Background()

	_, err := reg.Execute(ctx, Call{Name: "write_file", Args: map[string]any{"path": "x"}})
	if !errors.Is(err, loop.ErrToolBlocked) || KindOf(err) != KindBlocked {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if _, err := reg.Execute(ctx, Call{Name: "read_file", Args: map[string]any{"path": "x"}}); err != nil {
		t.Fatalf("read-only tools must pass the gate: %v", err)
	}
	gate.blocked = false
	if _, err := reg.Execute(ctx, Call{Name: "write_file", Args: map[string]any{"path": "x"}}); err != nil {
		t.Fatalf("unblocked write failed: %v", err)
	}
}

func TestSetMutatingChangesGateDecision(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("run_script", false))
	reg.SetGate(&fakeGate{blocked: true})
	ctx := context.Background()

	if _, err := reg.Execute(ctx, Call{Name: "run_script", Args: map[string]any{"path": "x"}}); err != nil {
		t.Fatalf("read-only tool rejected: %v", err)
	}
	if !reg.SetMutating("run_script", true) {
		t.Fatal("SetMutating should find a registered tool")
	}
	if reg.SetMutating("missing", true) {
		t.Error("SetMutating should report unknown tools")
	}
	if !reg.Get("run_script").Mutating {
		t.Error("override not applied")
	}
	if _, err := reg.Execute(ctx, Call{Name: "run_script", Args: map[string]any{"path": "x"}}); KindOf(err) != KindBlocked {
		t.Fatalf("expected blocked after override, got %v", err)
	}
}

func TestExecuteClassifiesToolErrors(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(&Tool{Name: "slow", Execute: func(ctx context.Context, args map[string]any) (string, error) {
		return "", fmt.Errorf("read: %w", os.ErrDeadlineExceeded)
	}})
	reg.MustRegister(&Tool{Name: "broken", Execute: func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("syntax error")
	}})
	reg.MustRegister(&Tool{Name: "flaky", Execute: func(ctx context.Context, args map[string]any) (string, error) {
		return "", Transient(errors.New("file changed during edit"))
	}})

	cases := map[string]Kind{"slow": KindTransient, "broken": KindStructural, "flaky": KindTransient}
	for name, want := range cases {
		_, err := reg.Execute(context.Background(), Call{Name: name})
		var te *Error
		if !errors.As(err, &te) {
			t.Fatalf("%s: expected *Error, got %T", name, err)
		}
		if te.Kind != want || te.Tool != name {
			t.Errorf("%s: got kind=%q tool=%q", name, te.Kind, te.Tool)
		}
		if te.Retryable() != (want == KindTransient) {
			t.Errorf("%s: Retryable = %v", name, te.Retryable())
		}
	}
}

func TestDefinitions(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(echoTool("b_tool", false))
	reg.MustRegister(echoTool("a_tool", true))

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "a_tool" {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	schema := defs[0].InputSchema
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
	if req, _ := schema["required"].([]string); len(req) != 1 || req[0] != "path" {
		t.Errorf("required = %v", schema["required"])
	}
	if got := reg.Definitions("a_tool", "missing"); len(got) != 1 {
		t.Errorf("expected unknown names to be skipped, got %d", len(got))
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{"n": float64(3), "s": "7", "b": "true", "x": 2}
	if IntArg(args, "n", 0) != 3 || IntArg(args, "s", 0) != 7 || IntArg(args, "x", 0) != 2 || IntArg(args, "none", 9) != 9 {
		t.Error("IntArg conversions wrong")
	}
	if !BoolArg(args, "b", false) || BoolArg(args, "none", false) {
		t.Error("BoolArg conversions wrong")
	}
	if StringArg(args, "n") != "3" || StringArg(args, "none") != "" {
		t.Error("StringArg conversions wrong")
	}
}
