package substate

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestRecordRequest_InsertsAndReRequestsAsPending(t *testing.T) {
	st := newTestStore(t)
	target := Target{Type: TargetTopic, ID: "test"}

	rec, err := st.RecordRequest(target)
	if err != nil {
		t.Fatalf("record request: %v", err)
	}
	if rec.Status != StatusPending || rec.FailureCount != 0 {
		t.Fatalf("expected pending/0 failures, got %+v", rec)
	}

	again, err := st.RecordRequest(target)
	if err != nil {
		t.Fatalf("record request again: %v", err)
	}
	if again.Status != StatusPending {
		t.Fatalf("expected still pending, got %+v", again)
	}
}

func TestMarkSubscribed_UpdatesStatusAndSyncedAt(t *testing.T) {
	st := newTestStore(t)
	target := Target{Type: TargetTopic, ID: "topic"}
	if _, err := st.RecordRequest(target); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := st.MarkSubscribed(target, 100); err != nil {
		t.Fatalf("mark subscribed: %v", err)
	}

	all, err := st.ListAll()
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].Status != StatusSubscribed {
		t.Fatalf("expected one subscribed record, got %+v", all)
	}
	if all[0].LastSyncedAt == nil || *all[0].LastSyncedAt != 100 {
		t.Fatalf("expected last_synced_at=100, got %+v", all[0].LastSyncedAt)
	}
}

func TestMarkFailure_IncrementsCounterAndSetsNeedsResync(t *testing.T) {
	st := newTestStore(t)
	target := Target{Type: TargetTopic, ID: "fail_topic"}
	if _, err := st.RecordRequest(target); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := st.MarkFailure(target, "boom"); err != nil {
		t.Fatalf("mark failure: %v", err)
	}

	rec, err := st.fetch(target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.Status != StatusNeedsResync || rec.FailureCount != 1 || rec.ErrorMessage != "boom" {
		t.Fatalf("unexpected record after failure: %+v", rec)
	}
}

func TestMarkAllNeedResync_OnlyAffectsSubscribed(t *testing.T) {
	st := newTestStore(t)
	target := Target{Type: TargetTopic, ID: "resync"}
	if _, err := st.RecordRequest(target); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := st.MarkSubscribed(target, 200); err != nil {
		t.Fatalf("mark subscribed: %v", err)
	}
	if err := st.MarkAllNeedResync(); err != nil {
		t.Fatalf("mark all need resync: %v", err)
	}

	rec, err := st.fetch(target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.Status != StatusNeedsResync {
		t.Fatalf("expected needs_resync, got %+v", rec)
	}
}

func TestListForRestore_FiltersToPendingAndNeedsResync(t *testing.T) {
	st := newTestStore(t)

	pending := Target{Type: TargetTopic, ID: "pending"}
	if _, err := st.RecordRequest(pending); err != nil {
		t.Fatalf("record request pending: %v", err)
	}

	subscribed := Target{Type: TargetUser, ID: "user"}
	if _, err := st.RecordRequest(subscribed); err != nil {
		t.Fatalf("record request subscribed: %v", err)
	}
	if err := st.MarkSubscribed(subscribed, 100); err != nil {
		t.Fatalf("mark subscribed: %v", err)
	}
	if err := st.MarkAllNeedResync(); err != nil {
		t.Fatalf("mark all need resync: %v", err)
	}

	restore, err := st.ListForRestore()
	if err != nil {
		t.Fatalf("list for restore: %v", err)
	}
	if len(restore) != 2 {
		t.Fatalf("expected 2 records eligible for restore, got %d: %+v", len(restore), restore)
	}
}

func TestRecord_SinceTimestamp(t *testing.T) {
	t.Run("nil when never synced", func(t *testing.T) {
		r := Record{}
		if r.SinceTimestamp() != nil {
			t.Fatalf("expected nil since, got %v", r.SinceTimestamp())
		}
	})

	t.Run("subtracts backoff", func(t *testing.T) {
		synced := int64(1000)
		r := Record{LastSyncedAt: &synced}
		got := r.SinceTimestamp()
		if got == nil || *got != 700 {
			t.Fatalf("expected since=700, got %v", got)
		}
	})

	t.Run("saturates at zero", func(t *testing.T) {
		synced := int64(100)
		r := Record{LastSyncedAt: &synced}
		got := r.SinceTimestamp()
		if got == nil || *got != 0 {
			t.Fatalf("expected since=0 (floor), got %v", got)
		}
	})
}
