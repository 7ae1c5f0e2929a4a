package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestSendThenLog(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "alice", 9110)

	var out bytes.Buffer
	if err := doInvite([]string{"-dir", dir, "-name", "crew"}, &out); err != nil {
		t.Fatalf("invite: %v", err)
	}

	out.Reset()
	if err := doLog([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(out.String(), "No messages in #general yet.") {
		t.Errorf("fresh circle should have an empty log, got:\n%s", out.String())
	}

	out.Reset()
	if err := doSend([]string{"-dir", dir, "hello", "world"}, &out); err != nil {
		t.Fatalf("send: %v", err)
	}
	queued := out.String()
	if !strings.HasPrefix(queued, "Queued message ") {
		t.Fatalf("send output = %q", queued)
	}
	if !strings.Contains(queued, "while `run` is active") {
		t.Errorf("send should mention run, got %q", queued)
	}
	msgID := strings.TrimPrefix(strings.SplitN(queued, ".", 2)[0], "Queued message ")
	if len(msgID) < 16 {
		t.Errorf("send should print the full message id, got %q", msgID)
	}

	st, _, err := openStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	circle := st.Circles()[0]
	msgs := st.ChannelMessages(circle.CircleID, "general", 0)
	if len(msgs) != 1 || msgs[0].MsgID != msgID {
		t.Fatalf("stored messages = %+v, want the queued id %s", msgs, msgID)
	}
	if msgs[0].Text != "hello world" {
		t.Errorf("text = %q, want joined args", msgs[0].Text)
	}

	out.Reset()
	if err := doLog([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(out.String(), "#general alice: hello world") {
		t.Errorf("log should show channel, author and text, got:\n%s", out.String())
	}
}

func TestLogAfterRenameShowsCurrentName(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "alice", 9111)

	var out bytes.Buffer
	if err := doInvite([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := doSend([]string{"-dir", dir, "first"}, &out); err != nil {
		t.Fatalf("send: %v", err)
	}

	out.Reset()
	if err := doRename([]string{"-dir", dir, "zeke"}, &out); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !strings.Contains(out.String(), `Display name is now "zeke".`) {
		t.Errorf("rename output = %q", out.String())
	}

	if err := doSend([]string{"-dir", dir, "second"}, &out); err != nil {
		t.Fatalf("send: %v", err)
	}

	out.Reset()
	if err := doLog([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("log: %v", err)
	}
	// The current name applies to the whole log, old messages included.
	if !strings.Contains(out.String(), "zeke: first") || !strings.Contains(out.String(), "zeke: second") {
		t.Errorf("log should render the live name, got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "alice:") {
		t.Errorf("stale name still rendered:\n%s", out.String())
	}
}

func TestLogLimit(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "alice", 9112)

	var out bytes.Buffer
	if err := doInvite([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("invite: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if err := doSend([]string{"-dir", dir, text}, &out); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}

	out.Reset()
	if err := doLog([]string{"-dir", dir, "-limit", "1"}, &out); err != nil {
		t.Fatalf("log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("limit 1 should print one line, got %d:\n%s", len(lines), out.String())
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "alice", 9113)
	var out bytes.Buffer
	if err := doInvite([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("invite: %v", err)
	}

	err := doSend([]string{"-dir", dir, "  "}, &out)
	if err == nil || !strings.Contains(err.Error(), "nothing to send") {
		t.Errorf("err = %v, want nothing-to-send", err)
	}
}

func TestLogUnknownChannel(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "alice", 9114)
	var out bytes.Buffer
	if err := doInvite([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("invite: %v", err)
	}

	err := doLog([]string{"-dir", dir, "-channel", "nope"}, &out)
	if err == nil || !strings.Contains(err.Error(), `no channel "nope"`) {
		t.Errorf("err = %v, want unknown channel", err)
	}
}

func TestSendUnknownCircleFlag(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "alice", 9115)
	var out bytes.Buffer
	if err := doInvite([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("invite: %v", err)
	}

	err := doSend([]string{"-dir", dir, "-circle", "nope", "hi"}, &out)
	if err == nil || !strings.Contains(err.Error(), `unknown circle "nope"`) {
		t.Errorf("err = %v, want unknown circle", err)
	}
}
