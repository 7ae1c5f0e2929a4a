package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestDoCircleName(t *testing.T) {
	dir, circle := setupCircleDir(t, "fay", 9150)

	var out bytes.Buffer
	if err := doCircle([]string{"name", "home", "base", "-dir", dir}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("name: %v", err)
	}
	want := "Circle " + circle.CircleID + ` is now named "home base".`
	if !strings.Contains(out.String(), want) {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	st, _, err := openStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := st.Circles()[0].Name; got != "home base" {
		t.Errorf("stored name = %q", got)
	}
	if _, err := pickCircle(st, "home base"); err != nil {
		t.Errorf("label should resolve the circle: %v", err)
	}

	err = doCircle([]string{"name", "-dir", dir}, strings.NewReader(""), &out)
	if err == nil || !strings.Contains(err.Error(), "usage: felund circle name") {
		t.Errorf("missing label err = %v", err)
	}
}

func TestDoCircleLeaveConfirm(t *testing.T) {
	dir, circle := setupCircleDir(t, "gil", 9151)

	// Anything but yes keeps the circle.
	var out bytes.Buffer
	if err := doCircle([]string{"leave", "-dir", dir}, strings.NewReader("n\n"), &out); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !strings.Contains(out.String(), "Leave circle "+circle.CircleID+" and drop its messages? [y/N]: ") {
		t.Errorf("missing confirmation prompt:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("output = %q", out.String())
	}
	st, _, err := openStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(st.Circles()) != 1 {
		t.Fatalf("aborted leave should keep the circle")
	}

	out.Reset()
	if err := doCircle([]string{"leave", "-dir", dir}, strings.NewReader("y\n"), &out); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !strings.Contains(out.String(), "Left circle "+circle.CircleID+".") {
		t.Errorf("output = %q", out.String())
	}
	st, _, err = openStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(st.Circles()) != 0 {
		t.Errorf("circle should be gone, got %v", st.Circles())
	}
}

func TestDoCircleLeaveYesFlag(t *testing.T) {
	dir, circle := setupCircleDir(t, "hal", 9152)

	var out bytes.Buffer
	if err := doCircle([]string{"leave", "-yes", "-dir", dir}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if strings.Contains(out.String(), "?") {
		t.Errorf("-yes should skip the prompt, got %q", out.String())
	}
	if !strings.Contains(out.String(), "Left circle "+circle.CircleID+".") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDoRenameUsage(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "ida", 9153)

	var out bytes.Buffer
	err := doRename([]string{"-dir", dir}, &out)
	if err == nil || !strings.Contains(err.Error(), "usage: felund rename") {
		t.Errorf("err = %v, want usage", err)
	}
}
