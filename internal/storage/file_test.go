package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "focusbot/pkg/logx"
)

func openTemp(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "focusbot.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, path
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled driver: st=%v err=%v", st, err)
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	st, path := openTemp(t)
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "dmnotice:u1:c1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, ok, err := st2.GetDedup(ctx, "dmnotice:u1:c1")
	if err != nil || !ok {
		t.Fatalf("GetDedup: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}
}

func TestExpiredDedupDroppedOnReopen(t *testing.T) {
	st, path := openTemp(t)
	ctx := context.Background()

	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, ok, _ := st2.GetDedup(ctx, "stale"); ok {
		t.Fatal("expired key survived reopen")
	}
}

func TestAuditAppendsJSONLines(t *testing.T) {
	st, path := openTemp(t)
	defer st.Close()
	ctx := context.Background()

	entries := []AuditEntry{
		{Engine: "achievement", Action: "role.grant", Guild: "g1", User: "u1", Target: "r7"},
		{Engine: "routine", Action: "announce", Channel: "c1", Target: "42"},
	}
	for _, e := range entries {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	prefix := path[:len(path)-len(filepath.Ext(path))]
	f, err := os.Open(prefix + ".audit.jsonl")
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(got))
	}
	if got[0].Action != "role.grant" || got[1].Action != "announce" {
		t.Fatalf("actions = %q, %q", got[0].Action, got[1].Action)
	}
	if got[0].At.IsZero() {
		t.Fatal("At not stamped on append")
	}
}
