package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func pngFile(name string) ImageFile {
	return ImageFile{Name: name, MimeType: "image/png", Data: []byte("png-bytes")}
}

// ============================================================================
// Composer
// ============================================================================

func TestComposerAttachImages(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads in order", func(t *testing.T) {
		b := newFakeBackend()
		c := NewComposer(b, nil)
		urls, err := c.AttachImages(ctx, []ImageFile{pngFile("a.png"), pngFile("b.png"), pngFile("c.png")})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"https://cdn.example/a.png", "https://cdn.example/b.png", "https://cdn.example/c.png"}
		if !equalStrings(urls, want) || !equalStrings(c.PendingImages(), want) {
			t.Errorf("urls = %v, pending = %v", urls, c.PendingImages())
		}
		if c.Uploading() {
			t.Error("Uploading should be false after the batch")
		}
	})

	t.Run("rejects a batch over the limit before uploading", func(t *testing.T) {
		b := newFakeBackend()
		c := NewComposer(b, nil)
		files := make([]ImageFile, 6)
		for i := range files {
			files[i] = pngFile(fmt.Sprintf("%d.png", i))
		}
		_, err := c.AttachImages(ctx, files)
		if !errors.Is(err, ErrTooManyImages) {
			t.Fatalf("err = %v, want ErrTooManyImages", err)
		}
		if _, _, _, uploads := b.calls(); uploads != 0 {
			t.Errorf("uploads = %d, want 0", uploads)
		}
		if len(c.PendingImages()) != 0 {
			t.Error("rejected batch left pending images")
		}
	})

	t.Run("counts images already attached", func(t *testing.T) {
		b := newFakeBackend()
		c := NewComposer(b, &ComposerConfig{MaxImages: 3})
		if _, err := c.AttachImages(ctx, []ImageFile{pngFile("a.png"), pngFile("b.png")}); err != nil {
			t.Fatal(err)
		}
		_, err := c.AttachImages(ctx, []ImageFile{pngFile("c.png"), pngFile("d.png")})
		if !errors.Is(err, ErrTooManyImages) {
			t.Fatalf("err = %v, want ErrTooManyImages", err)
		}
		if _, _, _, uploads := b.calls(); uploads != 2 {
			t.Errorf("uploads = %d, want 2", uploads)
		}
	})

	t.Run("validates type and size", func(t *testing.T) {
		tests := []struct {
			name string
			file ImageFile
			want error
		}{
			{"pdf", ImageFile{Name: "doc.pdf", MimeType: "application/pdf", Data: []byte("x")}, ErrUnsupportedImage},
			{"type from extension", ImageFile{Name: "notes.txt", Data: []byte("x")}, ErrUnsupportedImage},
			{"too large", ImageFile{Name: "big.jpg", MimeType: "image/jpeg", Data: make([]byte, 11)}, ErrImageTooLarge},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := newFakeBackend()
				c := NewComposer(b, &ComposerConfig{MaxImageSize: 10})
				_, err := c.AttachImages(ctx, []ImageFile{pngFile("ok.png"), tt.file})
				if !errors.Is(err, tt.want) {
					t.Fatalf("err = %v, want %v", err, tt.want)
				}
				if _, _, _, uploads := b.calls(); uploads != 0 {
					t.Errorf("uploads = %d, want 0", uploads)
				}
			})
		}
	})

	t.Run("keeps urls of successful uploads", func(t *testing.T) {
		b := newFakeBackend()
		boom := errors.New("boom")
		b.uploadFn = func(f ImageFile) (*UploadResult, error) {
			if f.Name == "bad.png" {
				return nil, boom
			}
			return &UploadResult{URL: "https://cdn.example/" + f.Name}, nil
		}
		c := NewComposer(b, nil)
		urls, err := c.AttachImages(ctx, []ImageFile{pngFile("a.png"), pngFile("bad.png"), pngFile("c.png")})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
		want := []string{"https://cdn.example/a.png", "https://cdn.example/c.png"}
		if !equalStrings(urls, want) || !equalStrings(c.PendingImages(), want) {
			t.Errorf("urls = %v, pending = %v", urls, c.PendingImages())
		}
	})
}

func TestComposerRemoveAndReset(t *testing.T) {
	c := NewComposer(newFakeBackend(), nil)
	if _, err := c.AttachImages(context.Background(), []ImageFile{pngFile("a.png"), pngFile("b.png"), pngFile("c.png")}); err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveImage(1); err != nil {
		t.Fatal(err)
	}
	if got := c.PendingImages(); !equalStrings(got, []string{"https://cdn.example/a.png", "https://cdn.example/c.png"}) {
		t.Errorf("pending = %v", got)
	}
	if err := c.RemoveImage(5); !errors.Is(err, ErrNoSuchImage) {
		t.Errorf("RemoveImage(5) = %v", err)
	}

	c.SetText("draft")
	c.Reset()
	if c.Text() != "" || len(c.PendingImages()) != 0 {
		t.Error("Reset left content behind")
	}
}

// ============================================================================
// SendParams
// ============================================================================

func TestSendParamsCheck(t *testing.T) {
	tests := []struct {
		name string
		p    SendParams
		want error
	}{
		{"text", SendParams{ConversationID: "c", Text: "hi"}, nil},
		{"images only", SendParams{ConversationID: "c", ImageURLs: []string{"u"}}, nil},
		{"new thread", SendParams{PartnerID: "p", Text: "hi"}, nil},
		{"whitespace", SendParams{ConversationID: "c", Text: "  \n\t"}, ErrEmptyMessage},
		{"nothing", SendParams{ConversationID: "c"}, ErrEmptyMessage},
		{"no recipient", SendParams{Text: "hi"}, ErrNoRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.check(); !errors.Is(err, tt.want) {
				t.Errorf("check() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSendRequestShape(t *testing.T) {
	t.Run("images only to a new thread", func(t *testing.T) {
		req := SendParams{PartnerID: "p1", Text: "   ", ImageURLs: []string{"u1"}}.request()
		data, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatal(err)
		}
		if v, ok := body["content"]; !ok || v != nil {
			t.Errorf("content = %v, want null", v)
		}
		if v, ok := body["conversationId"]; !ok || v != nil {
			t.Errorf("conversationId = %v, want null", v)
		}
		if body["recipientId"] != "p1" {
			t.Errorf("recipientId = %v", body["recipientId"])
		}
		if id, _ := body["clientMsgId"].(string); id == "" {
			t.Error("clientMsgId missing")
		}
	})

	t.Run("text without images", func(t *testing.T) {
		req := SendParams{ConversationID: "c1", PartnerID: "p1", Text: "  hello  "}.request()
		data, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), `"imageUrls":[]`) {
			t.Errorf("imageUrls should be an empty array: %s", data)
		}
		if req.Content == nil || *req.Content != "hello" {
			t.Errorf("content = %v, want trimmed text", req.Content)
		}
		if req.ConversationID == nil || *req.ConversationID != "c1" {
			t.Errorf("conversationId = %v", req.ConversationID)
		}
	})

	t.Run("fresh client key per request", func(t *testing.T) {
		p := SendParams{ConversationID: "c1", Text: "x"}
		if p.request().ClientMsgID == p.request().ClientMsgID {
			t.Error("client keys repeat")
		}
	})
}

// ============================================================================
// sendPipeline
// ============================================================================

func newTestPipeline(b *fakeBackend) (*sendPipeline, *ConversationStore, *MessageWindow) {
	store, _ := newTestStore(b, ViewStateSession, nil)
	window := NewMessageWindow(b, nil)
	return &sendPipeline{
		backend: b,
		store:   store,
		window:  window,
		metrics: NewMetrics(nil),
		log:     window.cfg.Logger,
	}, store, window
}

func TestSendPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("appends the committed message", func(t *testing.T) {
		b := newFakeBackend(testConversation("c1", "p1", "Alice", 0))
		b.sendFn = func(req *SendRequest) (*SendResult, error) {
			m := testMessage("srv-1", "c1", 10)
			m.SenderRole = RoleBuyer
			m.Content = *req.Content
			return &SendResult{ConversationID: "c1", Message: m}, nil
		}
		s, _, w := newTestPipeline(b)
		if err := w.Open(ctx, "c1"); err != nil {
			t.Fatal(err)
		}

		msg, err := s.Send(ctx, SendParams{ConversationID: "c1", PartnerID: "p1", Text: "hi"}, w.Generation())
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID != "srv-1" || msg.ClientMsgID == "" {
			t.Errorf("msg = %+v", msg)
		}
		if got := messageIDs(w.Snapshot().Messages); !equalStrings(got, []string{"srv-1"}) {
			t.Errorf("window = %v", got)
		}
		if l, _, _, _ := b.calls(); l != 1 {
			t.Errorf("list calls = %d, want 1 refresh after send", l)
		}

		// The realtime echo of the same message is dropped.
		echo := localMessage(ChatEvent{ConversationID: "c1", Sender: RoleBuyer, Content: "hi", ClientMsgID: msg.ClientMsgID})
		if w.ReceiveRealtime(echo) {
			t.Error("echo was appended")
		}
	})

	t.Run("promotes a new thread", func(t *testing.T) {
		b := newFakeBackend()
		b.sendFn = func(req *SendRequest) (*SendResult, error) {
			if req.ConversationID != nil {
				t.Errorf("conversationId = %q, want null", *req.ConversationID)
			}
			return &SendResult{ConversationID: "new-1", Message: testMessage("srv-1", "", 1)}, nil
		}
		s, store, w := newTestPipeline(b)
		store.AddPlaceholder(Partner{ID: "p9", DisplayName: "Zed"})
		if err := w.Open(ctx, ""); err != nil {
			t.Fatal(err)
		}

		msg, err := s.Send(ctx, SendParams{PartnerID: "p9", Text: "hello"}, w.Generation())
		if err != nil {
			t.Fatal(err)
		}
		if msg.ConversationID != "new-1" {
			t.Errorf("msg.ConversationID = %q", msg.ConversationID)
		}
		if w.ConversationID() != "new-1" {
			t.Errorf("window id = %q", w.ConversationID())
		}
		if got := messageIDs(w.Snapshot().Messages); !equalStrings(got, []string{"srv-1"}) {
			t.Errorf("window = %v", got)
		}
		if c, ok := store.Find("p9"); !ok || c.ID != "new-1" {
			t.Errorf("store entry = %+v, %v", c, ok)
		}
	})

	t.Run("replaced window is left alone", func(t *testing.T) {
		b := newFakeBackend()
		b.sendFn = func(*SendRequest) (*SendResult, error) {
			return &SendResult{ConversationID: "new-1", Message: testMessage("srv-1", "new-1", 1)}, nil
		}
		s, store, w := newTestPipeline(b)
		store.AddPlaceholder(Partner{ID: "p9"})
		if err := w.Open(ctx, ""); err != nil {
			t.Fatal(err)
		}
		gen := w.Generation()
		if err := w.Open(ctx, ""); err != nil {
			t.Fatal(err)
		}

		if _, err := s.Send(ctx, SendParams{PartnerID: "p9", Text: "hello"}, gen); err != nil {
			t.Fatal(err)
		}
		if snap := w.Snapshot(); snap.ConversationID != "" || len(snap.Messages) != 0 {
			t.Errorf("window = %+v", snap)
		}
		if c, ok := store.Find("p9"); !ok || c.ID != "new-1" {
			t.Errorf("store entry = %+v, %v", c, ok)
		}
	})

	t.Run("failure changes nothing", func(t *testing.T) {
		b := newFakeBackend()
		boom := &APIError{Status: 500, Code: "INTERNAL", Message: "down"}
		b.sendFn = func(*SendRequest) (*SendResult, error) { return nil, boom }
		s, _, w := newTestPipeline(b)
		if err := w.Open(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
		_, err := s.Send(ctx, SendParams{ConversationID: "c1", Text: "hi"}, w.Generation())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "INTERNAL" {
			t.Fatalf("err = %v", err)
		}
		if len(w.Snapshot().Messages) != 0 {
			t.Error("failed send appended a message")
		}
		if l, _, _, _ := b.calls(); l != 0 {
			t.Error("failed send refreshed the list")
		}
	})

	t.Run("empty message makes no calls", func(t *testing.T) {
		b := newFakeBackend()
		s, _, _ := newTestPipeline(b)
		if _, err := s.Send(ctx, SendParams{ConversationID: "c1", Text: " "}, 0); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v", err)
		}
		if l, p, snd, u := b.calls(); l+p+snd+u != 0 {
			t.Error("empty send reached the backend")
		}
	})
}
