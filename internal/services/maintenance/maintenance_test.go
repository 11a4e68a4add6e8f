package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tunerd/internal/storage"
	logx "tunerd/pkg/logx"
)

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	st := openIndex(t)
	s := New(Config{Enabled: true, PruneSpec: "not a spec"}, st, logx.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestPruneHistory(t *testing.T) {
	t.Parallel()

	st := openIndex(t)
	ctx := context.Background()
	old := storage.Recording{
		ProgramID: "old", Type: "GR", Channel: "27", Title: "Old",
		Start: time.Now().AddDate(0, 0, -120), End: time.Now().AddDate(0, 0, -120).Add(time.Hour),
	}
	fresh := storage.Recording{
		ProgramID: "fresh", Type: "GR", Channel: "27", Title: "Fresh",
		Start: time.Now().Add(-time.Hour), End: time.Now(),
	}
	for _, r := range []storage.Recording{old, fresh} {
		if err := st.AppendRecording(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	s := New(Config{Enabled: true, KeepDays: 30}, st, logx.Nop())
	s.pruneHistory()

	got, err := st.RecentRecordings(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ProgramID != "fresh" {
		t.Errorf("after prune = %+v, want only the fresh recording", got)
	}
}

func openIndex(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "history.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
