package audit

import "testing"

func TestAppendAndRecentOrdering(t *testing.T) {
	l := New(3)
	l.Append(Record{TimestampMS: 1, Outcome: "enqueued"})
	l.Append(Record{TimestampMS: 2, Outcome: "imported"})

	recs, err := l.Recent()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}
	if recs[0].Outcome != "enqueued" || recs[1].Outcome != "imported" {
		t.Fatalf("unexpected order: %+v", recs)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	l := New(2)
	l.Append(Record{TimestampMS: 1, Outcome: "a"})
	l.Append(Record{TimestampMS: 2, Outcome: "b"})
	l.Append(Record{TimestampMS: 3, Outcome: "c"})

	recs, err := l.Recent()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records after overwrite, got %d", len(recs))
	}
	if recs[0].Outcome != "b" || recs[1].Outcome != "c" {
		t.Fatalf("expected oldest entry to have been overwritten, got %+v", recs)
	}
}

func TestLenTracksResidentCount(t *testing.T) {
	l := New(4)
	if l.Len() != 0 {
		t.Fatalf("new log should be empty")
	}
	l.Append(Record{TimestampMS: 1, Outcome: "a"})
	if l.Len() != 1 {
		t.Fatalf("want len 1, got %d", l.Len())
	}
}
