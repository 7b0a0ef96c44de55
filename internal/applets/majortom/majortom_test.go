package majortom

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"appletd/internal/applet"
	"appletd/internal/task"
	"appletd/internal/tick"
)

func TestInstallAndRun(t *testing.T) {
	t.Parallel()
	src := tick.NewManual(0)
	a := applet.New(Name, applet.WithClock(tick.NewClock(src, tick.CircuitPythonBits)))
	var out bytes.Buffer
	if err := Install(a, &out); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := a.Registry().Len(); n != 5 {
		t.Fatalf("registered %d tasks, want 5", n)
	}

	res, err := a.Loop().Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ran) != 5 {
		t.Fatalf("first iteration ran %v", res.Ran)
	}
	for _, want := range []string{
		"Ground control to Major Tom!",
		"*boop*",
		"We read you ground control!",
		"frequency 9001",
		"[wailing guitar solo from space]",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	src.Set(2000)
	if res, _ = a.Loop().Step(context.Background()); len(res.Ran) != 1 || res.Ran[0] != "ping" {
		t.Fatalf("tick 2000 ran %v", res.Ran)
	}
	if got := out.String(); got != "*beep*\n*boop*\n" {
		t.Fatalf("ping output %q", got)
	}
}

func TestContactLines(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		args task.Args
		want []string
	}{
		{"beep", task.Positional("*beep*"), []string{"*beep*", "*boop*"}},
		{"call", task.Positional("hi"), []string{"hi", "We read you ground control!"}},
		{"kwargs only", task.Args{Kw: map[string]any{"b": 2, "a": 1}}, []string{"a 1", "b 2"}},
		{"empty", task.Args{}, nil},
	}
	for _, tc := range cases {
		got := contact(tc.args)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Errorf("%s: contact = %q, want %q", tc.name, got, tc.want)
		}
	}
}
