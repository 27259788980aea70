package slack

import (
	"testing"
)

func TestSessionKey(t *testing.T) {
	t.Parallel()

	if got := SessionKey("T1", "C1", "U1", false); got != "sl_T1_C1" {
		t.Fatalf("channel SessionKey = %q", got)
	}
	if got := SessionKey("T1", "D1", "U1", true); got != "sl_dm_U1" {
		t.Fatalf("dm SessionKey = %q", got)
	}
}

func TestThreadContext(t *testing.T) {
	t.Parallel()

	if got := threadContext("", "100.1"); got != nil {
		t.Fatalf("no thread should yield nil context, got %+v", got)
	}
	// the thread root's own ts equals thread_ts
	if got := threadContext("100.1", "100.1"); got != nil {
		t.Fatalf("thread root should yield nil context, got %+v", got)
	}
	got := threadContext("100.1", "100.2")
	if got == nil || got.ThreadID != "100.1" {
		t.Fatalf("unexpected context: %+v", got)
	}
}

func TestStripMention(t *testing.T) {
	t.Parallel()

	c := &Client{botUserID: "UBOT"}
	if got := c.stripMention("<@UBOT> deploy please"); got != "deploy please" {
		t.Fatalf("stripMention = %q", got)
	}
	if got := c.stripMention("<@UBOT>"); got != "<@UBOT>" {
		t.Fatalf("mention-only text = %q", got)
	}
	if got := c.stripMention("no mention"); got != "no mention" {
		t.Fatalf("untouched = %q", got)
	}
}
