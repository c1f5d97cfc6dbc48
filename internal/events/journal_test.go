package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

func TestJournal_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}

	if err := j.Append(NewWorkflowCreated("wf-1", "demo", core.KindStandard)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(NewPhaseFailed("wf-1", core.PhaseBuild, 2, "boom")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeWorkflowCreated || got[0].WorkflowID != "wf-1" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Type != TypePhaseFailed || got[1].Message != "boom" || got[1].Metadata["attempt"] != "2" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

func TestJournal_AppendAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	_ = j.Append(NewWorkflowCreated("wf-1", "a", core.KindStandard))
	_ = j.Close()

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopening journal: %v", err)
	}
	_ = j2.Append(NewWorkflowArchived("wf-1"))
	_ = j2.Close()

	got, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected append to preserve existing entries, got %d", len(got))
	}
}

func TestJournal_AttachRecordsBusEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	defer j.Close()

	bus := NewBus()
	defer bus.Close()
	j.Attach(bus, func(err error) { t.Errorf("journal append: %v", err) })

	bus.Publish(NewWorkflowCreated("wf-1", "demo", core.KindTDD))
	bus.Publish(NewWorkflowStateChanged("wf-1", core.WorkflowStateCreated, core.WorkflowStateRunning))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := ReadJournal(path)
		if err == nil && len(got) == 2 {
			if got[1].FromState != core.WorkflowStateCreated || got[1].ToState != core.WorkflowStateRunning {
				t.Fatalf("unexpected transition entry: %+v", got[1])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("journal never caught up with the bus")
}
