package audit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

func TestRecordAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	for i, app := range []string{"slack", "stripe", "hubspot"} {
		log.Record(connector.AuditEntry{
			AppID:      app,
			FunctionID: "list",
			Success:    i != 1,
			DurationMs: int64(100 + i),
			Meta: &connector.AuditMeta{
				OrganizationID: "org_1",
				Region:         "us",
			},
		})
	}

	entries, err := log.Read(2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].AppID != "stripe" || entries[1].AppID != "hubspot" {
		t.Errorf("tail order wrong: %s, %s", entries[0].AppID, entries[1].AppID)
	}
	if entries[0].Success {
		t.Error("stripe entry should be a failure")
	}
	if entries[1].TS.IsZero() {
		t.Error("timestamp should be filled in")
	}
	if entries[1].Meta == nil || entries[1].Meta.Region != "us" {
		t.Errorf("meta = %+v, want region carried through", entries[1].Meta)
	}

	all, err := log.Read(50)
	if err != nil {
		t.Fatalf("Read all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d entries, want 3", len(all))
	}
}

func TestRead_SkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	log.Record(connector.AuditEntry{AppID: "zendesk", FunctionID: "list_tickets", Success: true})
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{ not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	log.Record(connector.AuditEntry{AppID: "typeform", FunctionID: "list_responses", Success: true})

	entries, err := log.Read(10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want malformed line skipped", len(entries))
	}
	if entries[0].AppID != "zendesk" || entries[1].AppID != "typeform" {
		t.Errorf("entries = %v", entries)
	}
}

func TestRecord_Concurrent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Go(func() {
			for i := 0; i < 20; i++ {
				log.Record(connector.AuditEntry{AppID: "slack", FunctionID: "send", Success: true, DurationMs: 5})
			}
		})
	}
	wg.Wait()

	entries, err := log.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 200 {
		t.Errorf("got %d entries, want 200 unmangled lines", len(entries))
	}
}

func TestRecord_AfterCloseWarnsOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Must not panic or block; the failure is swallowed.
	log.Record(connector.AuditEntry{AppID: "slack", FunctionID: "send", TS: time.Now()})
}
