package signaling

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newFSPair(t *testing.T) (*FS, *FS) {
	t.Helper()
	dir := t.TempDir()
	a := NewFS(zap.NewNop(), dir)
	b := NewFS(zap.NewNop(), dir)
	if err := a.Init(); err != nil {
		t.Fatal(err)
	}
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Shutdown)
	t.Cleanup(b.Shutdown)
	return a, b
}

func TestFS_Exchange(t *testing.T) {
	a, b := newFSPair(t)
	if a.LocalPeerID() == b.LocalPeerID() {
		t.Fatal("peer ids should differ")
	}
	var got []Message
	b.OnMessage(func(m Message) { got = append(got, m) })

	msg := testMessage()
	msg.SenderID = a.LocalPeerID()
	msg.ReceiverID = ""
	if err := a.Send(msg); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		b.Process()
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].SessionID != msg.SessionID {
		t.Errorf("unexpected session id %s", got[0].SessionID)
	}

	// The sender must not observe its own message.
	var own []Message
	a.OnMessage(func(m Message) { own = append(own, m) })
	a.Process()
	if len(own) != 0 {
		t.Errorf("sender received %d own messages", len(own))
	}
}

func TestFS_DirectedFiltering(t *testing.T) {
	a, b := newFSPair(t)
	var got []Message
	b.OnMessage(func(m Message) { got = append(got, m) })

	msg := testMessage()
	msg.SenderID = a.LocalPeerID()
	msg.ReceiverID = "someone-else"
	if err := a.Send(msg); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		b.Process()
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 0 {
		t.Errorf("message for another receiver was delivered")
	}
}

func TestFS_FIFO(t *testing.T) {
	a, b := newFSPair(t)
	var got []Message
	b.OnMessage(func(m Message) { got = append(got, m) })

	// File names sort by their second-resolution timestamp, so
	// ordering is only guaranteed across distinct seconds.
	for i, id := range []string{"first", "second"} {
		if i > 0 {
			time.Sleep(1100 * time.Millisecond)
		}
		msg := testMessage()
		msg.SenderID = a.LocalPeerID()
		msg.ReceiverID = ""
		msg.SessionID = id
		if err := a.Send(msg); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		b.Process()
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	for i, id := range []string{"first", "second"} {
		if got[i].SessionID != id {
			t.Errorf("message %d is %s, want %s", i, got[i].SessionID, id)
		}
	}
}

func TestFS_Cleanup(t *testing.T) {
	dir := t.TempDir()
	f := NewFS(zap.NewNop(), dir)
	if err := f.Init(); err != nil {
		t.Fatal(err)
	}
	defer f.Shutdown()

	msg := testMessage()
	msg.SenderID = f.LocalPeerID()
	if err := f.Send(msg); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one signal file, got %d", len(entries))
	}
	// Age the file past the cleanup threshold.
	old := time.Now().Add(-10 * time.Minute)
	path := filepath.Join(dir, entries[0].Name())
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	// Forcing a scan regardless of watcher state.
	for i := 0; i < scanInterval+1; i++ {
		f.Process()
	}
	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("old signal file was not cleaned up")
	}
}

func TestFS_SendInactive(t *testing.T) {
	f := NewFS(zap.NewNop(), t.TempDir())
	if err := f.Send(testMessage()); err == nil {
		t.Error("send on inactive signaler should fail")
	}
}
