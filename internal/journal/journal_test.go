package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func exercise(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		e := Entry{At: t0.Add(time.Duration(i) * time.Hour), IntentID: fmt.Sprintf("i%d", i), UserID: "u1", Outcome: OutcomeSent}
		if i%2 == 1 {
			e.Outcome = OutcomeDead
			e.Error = "provider down"
			e.Intent = &notify.Intent{ID: e.IntentID, UserID: "u1", TemplateID: "like.post"}
		}
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	dead, err := j.Recent(ctx, OutcomeDead, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(dead) != 2 || dead[0].IntentID != "i5" || dead[1].IntentID != "i3" {
		t.Fatalf("Recent(dead) = %+v", dead)
	}
	if dead[0].Intent == nil || dead[0].Intent.TemplateID != "like.post" || dead[0].Error != "provider down" {
		t.Fatalf("dead letter lost detail: %+v", dead[0])
	}

	all, err := j.Recent(ctx, "", 100)
	if err != nil || len(all) != 6 {
		t.Fatalf("Recent(all) = %d entries, %v", len(all), err)
	}

	n, err := j.Prune(ctx, t0.Add(3*time.Hour))
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v; want 3", n, err)
	}
	all, err = j.Recent(ctx, "", 100)
	if err != nil || len(all) != 3 || all[2].IntentID != "i3" {
		t.Fatalf("after prune: %+v, %v", all, err)
	}

	// appends keep working after a prune rewrote the file
	if err := j.Append(ctx, Entry{At: t0.Add(7 * time.Hour), IntentID: "i7", UserID: "u1", Outcome: OutcomeBatchedDelivered}); err != nil {
		t.Fatalf("Append after prune: %v", err)
	}
	got, err := j.Recent(ctx, OutcomeBatchedDelivered, 10)
	if err != nil || len(got) != 1 || got[0].IntentID != "i7" {
		t.Fatalf("Recent(batched_delivered) = %+v, %v", got, err)
	}
}

func TestFileJournal(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state", "journal.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	exercise(t, j)
}

func TestFileJournalClosed(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "j.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Append(context.Background(), Entry{IntentID: "x"}); err != ErrClosed {
		t.Fatalf("Append after Close = %v, want ErrClosed", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	j, err := Open(Config{}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open(none): %v", err)
	}
	if _, ok := j.(Nop); !ok {
		t.Fatalf("Open(none) = %T, want Nop", j)
	}
	if _, err := Open(Config{Driver: "tape"}, logx.Nop()); err == nil {
		t.Fatal("Open accepted an unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("Open(file) accepted an empty path")
	}
}

func TestEntryFor(t *testing.T) {
	t.Parallel()
	in := &notify.Intent{ID: "a", UserID: "u", TemplateID: "comment.reply", RetryCount: 2}
	e := EntryFor(in, OutcomeDead, "retries_exhausted", t0)
	if e.Kind != "comment" || e.Attempts != 2 || e.Outcome != OutcomeDead || !e.At.Equal(t0) {
		t.Fatalf("EntryFor = %+v", e)
	}
}
