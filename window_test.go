package chatsync

import (
	"context"
	"errors"
	"testing"
)

func newTestWindow(b Backend, opened *[]string) *MessageWindow {
	return NewMessageWindow(b, &WindowConfig{
		PageSize: 2,
		OnOpened: func(id string) {
			if opened != nil {
				*opened = append(*opened, id)
			}
		},
	})
}

func TestWindowOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces instead of merging", func(t *testing.T) {
		b := newFakeBackend()
		b.setPage("A", "", &Page{Messages: []Message{testMessage("a1", "A", 1), testMessage("a2", "A", 2)}})
		b.setPage("B", "", &Page{Messages: []Message{testMessage("b1", "B", 1)}})
		var opened []string
		w := newTestWindow(b, &opened)

		if err := w.Open(ctx, "A"); err != nil {
			t.Fatal(err)
		}
		if err := w.Open(ctx, "B"); err != nil {
			t.Fatal(err)
		}

		snap := w.Snapshot()
		if snap.ConversationID != "B" || !equalStrings(messageIDs(snap.Messages), []string{"b1"}) {
			t.Errorf("snapshot = %+v, want only B's first page", snap)
		}
		if !equalStrings(opened, []string{"A", "B"}) {
			t.Errorf("opened hook calls = %v", opened)
		}
	})

	t.Run("sorts ascending and scrolls to newest", func(t *testing.T) {
		b := newFakeBackend()
		b.setPage("A", "", &Page{
			Messages:   []Message{testMessage("a3", "A", 3), testMessage("a1", "A", 1), testMessage("a2", "A", 2)},
			NextCursor: "c1",
			HasMore:    true,
		})
		w := newTestWindow(b, nil)

		var changes []WindowChange
		w.Subscribe(func(c WindowChange) { changes = append(changes, c) })
		if err := w.Open(ctx, "A"); err != nil {
			t.Fatal(err)
		}

		snap := w.Snapshot()
		if !equalStrings(messageIDs(snap.Messages), []string{"a1", "a2", "a3"}) {
			t.Errorf("messages = %v", messageIDs(snap.Messages))
		}
		if snap.NextCursor != "c1" || !snap.HasMore || snap.Loading {
			t.Errorf("snapshot = %+v", snap)
		}
		last := changes[len(changes)-1]
		if last.Kind != WindowReplaced || !last.ScrollToNewest || len(last.Messages) != 3 {
			t.Errorf("last change = %+v", last)
		}
	})

	t.Run("no id clears without fetching", func(t *testing.T) {
		b := newFakeBackend()
		b.setPage("A", "", &Page{Messages: []Message{testMessage("a1", "A", 1)}})
		var opened []string
		w := newTestWindow(b, &opened)
		if err := w.Open(ctx, "A"); err != nil {
			t.Fatal(err)
		}
		if err := w.Open(ctx, ""); err != nil {
			t.Fatal(err)
		}
		if _, pages, _, _ := b.calls(); pages != 1 {
			t.Errorf("page fetches = %d, want 1", pages)
		}
		if snap := w.Snapshot(); snap.ConversationID != "" || len(snap.Messages) != 0 {
			t.Errorf("snapshot = %+v, want empty", snap)
		}
		if len(opened) != 1 {
			t.Errorf("opened hook ran for an unsaved conversation: %v", opened)
		}
	})

	t.Run("failure leaves an empty window", func(t *testing.T) {
		b := newFakeBackend()
		boom := errors.New("boom")
		b.pageErr["A|"] = boom
		var opened []string
		w := newTestWindow(b, &opened)
		if err := w.Open(ctx, "A"); !errors.Is(err, boom) {
			t.Fatalf("Open error = %v", err)
		}
		snap := w.Snapshot()
		if snap.Loading || len(snap.Messages) != 0 {
			t.Errorf("snapshot = %+v", snap)
		}
		if len(opened) != 0 {
			t.Error("opened hook ran after a failed fetch")
		}
	})

	t.Run("stale first page is discarded", func(t *testing.T) {
		b := newFakeBackend()
		b.setPage("A", "", &Page{Messages: []Message{testMessage("a1", "A", 1)}})
		b.setPage("B", "", &Page{Messages: []Message{testMessage("b1", "B", 1)}})
		gate := b.gate("A", "")
		var opened []string
		w := newTestWindow(b, &opened)

		done := make(chan error, 1)
		go func() { done <- w.Open(ctx, "A") }()
		waitFor(t, b.started)

		if err := w.Open(ctx, "B"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, b.started)
		close(gate)
		if err := waitFor(t, done); err != nil {
			t.Fatal(err)
		}

		snap := w.Snapshot()
		if snap.ConversationID != "B" || !equalStrings(messageIDs(snap.Messages), []string{"b1"}) {
			t.Errorf("snapshot = %+v, want B", snap)
		}
		if !equalStrings(opened, []string{"B"}) {
			t.Errorf("opened = %v, want only B", opened)
		}
	})
}

func TestWindowLoadOlder(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeBackend, *MessageWindow) {
		t.Helper()
		b := newFakeBackend()
		b.setPage("A", "", &Page{Messages: []Message{testMessage("a3", "A", 3), testMessage("a4", "A", 4)}, NextCursor: "c1", HasMore: true})
		b.setPage("A", "c1", &Page{Messages: []Message{testMessage("a1", "A", 1), testMessage("a2", "A", 2)}})
		w := newTestWindow(b, nil)
		if err := w.Open(ctx, "A"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, b.started)
		return b, w
	}

	t.Run("prepends without scrolling", func(t *testing.T) {
		_, w := setup(t)
		var changes []WindowChange
		w.Subscribe(func(c WindowChange) { changes = append(changes, c) })

		ok, err := w.LoadOlder(ctx)
		if err != nil || !ok {
			t.Fatalf("LoadOlder = %v, %v", ok, err)
		}
		snap := w.Snapshot()
		if !equalStrings(messageIDs(snap.Messages), []string{"a1", "a2", "a3", "a4"}) {
			t.Errorf("messages = %v", messageIDs(snap.Messages))
		}
		if snap.HasMore || snap.NextCursor != "" || snap.LoadingOlder {
			t.Errorf("snapshot = %+v", snap)
		}
		if len(changes) != 1 || changes[0].Kind != WindowPrepended || changes[0].ScrollToNewest {
			t.Errorf("changes = %+v", changes)
		}
	})

	t.Run("no-op without more history", func(t *testing.T) {
		b, w := setup(t)
		if _, err := w.LoadOlder(ctx); err != nil {
			t.Fatal(err)
		}
		waitFor(t, b.started)
		before := w.Snapshot()
		_, pagesBefore, _, _ := b.calls()

		ok, err := w.LoadOlder(ctx)
		if ok || err != nil {
			t.Errorf("LoadOlder = %v, %v; want false, nil", ok, err)
		}
		if _, pages, _, _ := b.calls(); pages != pagesBefore {
			t.Errorf("fetches = %d, want %d", pages, pagesBefore)
		}
		if after := w.Snapshot(); !equalStrings(messageIDs(after.Messages), messageIDs(before.Messages)) || after.HasMore != before.HasMore {
			t.Error("state changed")
		}
	})

	t.Run("second call while in flight is dropped", func(t *testing.T) {
		b, w := setup(t)
		gate := b.gate("A", "c1")

		done := make(chan bool, 1)
		go func() {
			ok, _ := w.LoadOlder(ctx)
			done <- ok
		}()
		waitFor(t, b.started)

		if !w.Snapshot().LoadingOlder {
			t.Error("LoadingOlder should be set while the fetch is in flight")
		}
		ok, err := w.LoadOlder(ctx)
		if ok || err != nil {
			t.Errorf("concurrent LoadOlder = %v, %v; want false, nil", ok, err)
		}
		close(gate)
		if !waitFor(t, done) {
			t.Error("first LoadOlder should have loaded")
		}
		if _, pages, _, _ := b.calls(); pages != 2 {
			t.Errorf("fetches = %d, want 2 (open + one older page)", pages)
		}
	})

	t.Run("result for a replaced window is discarded", func(t *testing.T) {
		b, w := setup(t)
		b.setPage("B", "", &Page{Messages: []Message{testMessage("b1", "B", 1)}})
		gate := b.gate("A", "c1")

		done := make(chan bool, 1)
		go func() {
			ok, _ := w.LoadOlder(ctx)
			done <- ok
		}()
		waitFor(t, b.started)

		if err := w.Open(ctx, "B"); err != nil {
			t.Fatal(err)
		}
		close(gate)
		if waitFor(t, done) {
			t.Error("stale LoadOlder reported success")
		}
		if snap := w.Snapshot(); !equalStrings(messageIDs(snap.Messages), []string{"b1"}) {
			t.Errorf("messages = %v, want only b1", messageIDs(snap.Messages))
		}
	})

	t.Run("failure keeps the window", func(t *testing.T) {
		b, w := setup(t)
		boom := errors.New("boom")
		b.mu.Lock()
		b.pageErr["A|c1"] = boom
		b.mu.Unlock()

		ok, err := w.LoadOlder(ctx)
		if ok || !errors.Is(err, boom) {
			t.Fatalf("LoadOlder = %v, %v", ok, err)
		}
		snap := w.Snapshot()
		if !equalStrings(messageIDs(snap.Messages), []string{"a3", "a4"}) || !snap.HasMore || snap.NextCursor != "c1" || snap.LoadingOlder {
			t.Errorf("snapshot = %+v", snap)
		}
	})
}

func TestWindowReceiveRealtime(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	b.setPage("A", "", &Page{Messages: []Message{testMessage("a1", "A", 1)}})
	w := newTestWindow(b, nil)
	if err := w.Open(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	var changes []WindowChange
	w.Subscribe(func(c WindowChange) { changes = append(changes, c) })

	if w.ReceiveRealtime(testMessage("x1", "OTHER", 5)) {
		t.Error("message for another conversation was appended")
	}
	if len(changes) != 0 {
		t.Error("dropped message emitted a change")
	}

	m := testMessage("local-1", "A", 5)
	m.Local = true
	m.ClientMsgID = "key-1"
	if !w.ReceiveRealtime(m) {
		t.Fatal("message for the open conversation was dropped")
	}
	if len(changes) != 1 || changes[0].Kind != WindowAppended || !changes[0].ScrollToNewest {
		t.Errorf("changes = %+v", changes)
	}

	echo := testMessage("srv-9", "A", 5)
	echo.ClientMsgID = "key-1"
	if w.Append(echo) {
		t.Error("message with a known client key was appended twice")
	}

	again := testMessage("local-2", "A", 6)
	again.Local = true
	if !w.ReceiveRealtime(again) {
		t.Error("message without a client key should append")
	}
	if got := messageIDs(w.Snapshot().Messages); !equalStrings(got, []string{"a1", "local-1", "local-2"}) {
		t.Errorf("messages = %v", got)
	}

	w.Reset()
	if w.ReceiveRealtime(testMessage("late", "A", 7)) {
		t.Error("closed window accepted a message")
	}
}

func TestWindowRetarget(t *testing.T) {
	ctx := context.Background()
	w := newTestWindow(newFakeBackend(), nil)

	if w.Retarget(w.Generation(), "new") {
		t.Error("closed window should not retarget")
	}
	if err := w.Open(ctx, ""); err != nil {
		t.Fatal(err)
	}
	gen := w.Generation()
	if w.Append(testMessage("m1", "", 1)) {
		t.Error("window without an id should not accept messages")
	}
	if !w.Retarget(gen, "new") {
		t.Fatal("Retarget on an unsaved window failed")
	}
	if w.Retarget(gen, "other") {
		t.Error("a window with an id should not retarget")
	}
	if !w.Append(testMessage("m1", "new", 1)) {
		t.Error("Append after Retarget failed")
	}
	if w.ConversationID() != "new" {
		t.Errorf("ConversationID = %q", w.ConversationID())
	}

	t.Run("reopened window keeps its id", func(t *testing.T) {
		if err := w.Open(ctx, ""); err != nil {
			t.Fatal(err)
		}
		if w.Retarget(gen, "late") {
			t.Error("Retarget from an earlier generation was applied")
		}
		if w.ConversationID() != "" {
			t.Errorf("ConversationID = %q", w.ConversationID())
		}
	})
}
