package allocator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewQueueManager(t *testing.T) {
	qm := NewQueueManager()
	if qm == nil {
		t.Fatal("NewQueueManager() returned nil")
	}
	if qm.byID == nil {
		t.Error("index map not initialized")
	}
}

func TestQueueManager_Enqueue(t *testing.T) {
	qm := NewQueueManager()
	now := time.Unix(100, 0)

	for i, id := range []string{"r1", "r2", "r3"} {
		entry := qm.Enqueue(context.Background(), &QueuedRequest{ID: id, Label: "linux", Count: 1, Build: "b"}, now)
		if entry.Position != i+1 {
			t.Errorf("enqueue %s position = %d, want %d", id, entry.Position, i+1)
		}
	}
	if length := qm.GetQueueLength(); length != 3 {
		t.Errorf("Queue length = %d, want 3", length)
	}
}

func TestQueueManager_RemoveFromQueue(t *testing.T) {
	qm := NewQueueManager()
	now := time.Unix(100, 0)
	qm.Enqueue(context.Background(), &QueuedRequest{ID: "r1"}, now)
	qm.Enqueue(context.Background(), &QueuedRequest{ID: "r2"}, now)
	qm.Enqueue(context.Background(), &QueuedRequest{ID: "r3"}, now)

	if entry := qm.RemoveFromQueue("r1"); entry == nil || entry.Request.ID != "r1" {
		t.Fatalf("RemoveFromQueue(r1) got=%#v", entry)
	}

	tests := []struct {
		id      string
		wantPos int
		wantOK  bool
	}{
		{id: "r1", wantPos: 0, wantOK: false},
		{id: "r2", wantPos: 1, wantOK: true},
		{id: "r3", wantPos: 2, wantOK: true},
	}
	for _, tt := range tests {
		pos, ok := qm.GetPosition(tt.id)
		if pos != tt.wantPos || ok != tt.wantOK {
			t.Errorf("GetPosition(%s) got=(%d,%v) want=(%d,%v)", tt.id, pos, ok, tt.wantPos, tt.wantOK)
		}
	}

	// Removing twice is a no-op.
	if entry := qm.RemoveFromQueue("r1"); entry != nil {
		t.Errorf("second RemoveFromQueue(r1) got=%#v want nil", entry)
	}
	if length := qm.GetQueueLength(); length != 2 {
		t.Errorf("Queue length = %d, want 2", length)
	}
}

func TestQueueManager_Snapshot(t *testing.T) {
	qm := NewQueueManager()
	req := &QueuedRequest{ID: "r1", Resources: []string{"a"}, Resolve: func(Allocation) error { return nil }}
	qm.Enqueue(context.Background(), req, time.Unix(1, 0))

	snap := qm.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() len = %d, want 1", len(snap))
	}
	if snap[0].Resolve != nil {
		t.Error("Snapshot() leaked the resolve callback")
	}
	snap[0].Resources[0] = "changed"
	if req.Resources[0] != "a" {
		t.Error("Snapshot() shares the resources slice")
	}
}

func TestQueueEntry_deliver(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		resolve func(Allocation) error
		wantErr bool
	}{
		{name: "delivered", ctx: context.Background()},
		{name: "waiter gone", ctx: cancelled, wantErr: true},
		{name: "callback refuses", ctx: context.Background(), resolve: func(Allocation) error { return errors.New("no") }, wantErr: true},
		{name: "callback panics", ctx: context.Background(), resolve: func(Allocation) error { panic("boom") }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &QueueEntry{Request: &QueuedRequest{ID: "r", Resolve: tt.resolve}, ctx: tt.ctx, done: make(chan Allocation, 1)}
			err := entry.deliver(Allocation{RequestID: "r", Resources: []string{"a"}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("deliver() err=%#v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			alloc, ok := <-entry.done
			if !ok || alloc.RequestID != "r" {
				t.Errorf("done got=(%#v,%v)", alloc, ok)
			}
			if _, ok := <-entry.done; ok {
				t.Error("done not closed after delivery")
			}
		})
	}
}

func TestOldest(t *testing.T) {
	tests := []struct {
		name string
		reqs []QueuedRequest
		want string
	}{
		{name: "empty", reqs: nil, want: ""},
		{name: "only unknown timestamps", reqs: []QueuedRequest{{ID: "a"}, {ID: "b"}}, want: ""},
		{
			name: "unknown timestamp is never oldest",
			reqs: []QueuedRequest{{ID: "zero"}, {ID: "hundred", QueuedAt: time.UnixMilli(100)}},
			want: "hundred",
		},
		{
			name: "earliest known wins",
			reqs: []QueuedRequest{{ID: "late", QueuedAt: time.UnixMilli(300)}, {ID: "early", QueuedAt: time.UnixMilli(200)}},
			want: "early",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Oldest(tt.reqs)
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.want {
				t.Errorf("Oldest() got=%#v want=%#v", gotID, tt.want)
			}
		})
	}
}
