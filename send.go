package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Image limits applied before any upload.
const (
	DefaultMaxImages         = 5
	DefaultMaxImageSize      = 10 * 1024 * 1024
	DefaultUploadConcurrency = 3
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ============================================================================
// Composer
// ============================================================================

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	MaxImages         int
	MaxImageSize      int64
	UploadConcurrency int
	Metrics           *Metrics
	Logger            *zap.Logger
}

func (c *ComposerConfig) defaults() {
	if c.MaxImages <= 0 {
		c.MaxImages = DefaultMaxImages
	}
	if c.MaxImageSize <= 0 {
		c.MaxImageSize = DefaultMaxImageSize
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = DefaultUploadConcurrency
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Composer holds the draft text and the images already uploaded for the
// next message.
type Composer struct {
	backend Backend
	cfg     ComposerConfig

	mu        sync.Mutex
	text      string
	images    []string
	uploading int
}

// NewComposer creates an empty composer.
func NewComposer(backend Backend, config *ComposerConfig) *Composer {
	var cfg ComposerConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Composer{backend: backend, cfg: cfg}
}

// validate checks one file against the type and size limits.
func (c *Composer) validate(f ImageFile) error {
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(f.Name)
	}
	if !allowedImageTypes[strings.ToLower(mimeType)] {
		return fmt.Errorf("%s: %w: %s", f.Name, ErrUnsupportedImage, mimeType)
	}
	if int64(len(f.Data)) > c.cfg.MaxImageSize {
		return fmt.Errorf("%s: %w: %d bytes (max %d)", f.Name, ErrImageTooLarge, len(f.Data), c.cfg.MaxImageSize)
	}
	return nil
}

// AttachImages validates the whole batch, then uploads it concurrently.
// Nothing is uploaded if any file fails validation or the batch would
// exceed the image limit. URLs of files that uploaded successfully are kept
// even when another file of the batch fails; the first failure is returned.
func (c *Composer) AttachImages(ctx context.Context, files []ImageFile) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	for _, f := range files {
		if err := c.validate(f); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if n := len(c.images) + c.uploading + len(files); n > c.cfg.MaxImages {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d selected, at most %d per message", ErrTooManyImages, n, c.cfg.MaxImages)
	}
	c.uploading += len(files)
	c.mu.Unlock()

	urls := make([]string, len(files))
	var g errgroup.Group
	g.SetLimit(c.cfg.UploadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			res, err := c.backend.UploadImage(ctx, f)
			c.cfg.Metrics.RecordUpload(err)
			if err != nil {
				c.cfg.Logger.Warn("image upload failed", zap.String("file", f.Name), zap.Error(err))
				return err
			}
			urls[i] = res.URL
			return nil
		})
	}
	err := g.Wait()

	var accepted []string
	for _, u := range urls {
		if u != "" {
			accepted = append(accepted, u)
		}
	}

	c.mu.Lock()
	c.uploading -= len(files)
	c.images = append(c.images, accepted...)
	c.mu.Unlock()

	return accepted, err
}

// RemoveImage drops the pending image at index i.
func (c *Composer) RemoveImage(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.images) {
		return fmt.Errorf("%w: %d", ErrNoSuchImage, i)
	}
	c.images = append(c.images[:i:i], c.images[i+1:]...)
	return nil
}

// PendingImages returns the uploaded image URLs waiting to be sent.
func (c *Composer) PendingImages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.images...)
}

// Uploading reports whether an upload batch is in flight.
func (c *Composer) Uploading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploading > 0
}

// SetText stores the draft text.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Text returns the draft text.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Reset clears the draft and the pending images.
func (c *Composer) Reset() {
	c.mu.Lock()
	c.text = ""
	c.images = nil
	c.mu.Unlock()
}

// ============================================================================
// Send pipeline
// ============================================================================

// SendParams is one outbound message. ConversationID is empty for a thread
// that does not exist yet; PartnerID then names the recipient.
type SendParams struct {
	ConversationID string
	PartnerID      string
	Text           string
	ImageURLs      []string
}

// check rejects a message that cannot be sent, without touching any state.
func (p SendParams) check() error {
	if strings.TrimSpace(p.Text) == "" && len(p.ImageURLs) == 0 {
		return ErrEmptyMessage
	}
	if p.ConversationID == "" && p.PartnerID == "" {
		return ErrNoRecipient
	}
	return nil
}

// request builds the backend request with a fresh client message key.
func (p SendParams) request() *SendRequest {
	req := &SendRequest{
		RecipientID: p.PartnerID,
		ImageURLs:   append([]string{}, p.ImageURLs...),
		ClientMsgID: uuid.NewString(),
	}
	if text := strings.TrimSpace(p.Text); text != "" {
		req.Content = &text
	}
	if p.ConversationID != "" {
		id := p.ConversationID
		req.ConversationID = &id
	}
	return req
}

// sendPipeline submits messages and reconciles the store and window with
// the committed result.
type sendPipeline struct {
	backend Backend
	store   *ConversationStore
	window  *MessageWindow
	metrics *Metrics
	log     *zap.Logger
}

// Send submits p. Only the server-returned message is appended to the
// window. A new thread is promoted to the id the server assigned; the window
// follows only if it is still in generation windowGen.
func (s *sendPipeline) Send(ctx context.Context, p SendParams, windowGen uint64) (*Message, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	req := p.request()
	res, err := s.backend.SendMessage(ctx, req)
	s.metrics.RecordSend(err)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	convID := res.ConversationID
	if convID == "" {
		convID = res.Message.ConversationID
	}
	if convID == "" {
		convID = p.ConversationID
	}
	msg := res.Message
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	if msg.ClientMsgID == "" {
		msg.ClientMsgID = req.ClientMsgID
	}

	if p.ConversationID == "" && convID != "" {
		s.store.Promote(p.PartnerID, convID)
		if !s.window.Retarget(windowGen, convID) {
			s.metrics.RecordStale("send")
		}
		s.log.Info("conversation created", zap.String("conversation_id", convID), zap.String("partner_id", p.PartnerID))
	}
	s.window.Append(msg)

	if err := s.store.Refresh(ctx); err != nil {
		s.log.Warn("refresh after send failed", zap.String("conversation_id", convID), zap.Error(err))
	}
	return &msg, nil
}
