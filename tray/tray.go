// Package tray manages a bounded set of files uploaded side by side, each in its own session.
package tray

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bitrise-io/go-chunkupload/handle"
	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-chunkupload/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

var (
	ErrTypeNotAccepted = errors.New("file type is not accepted")
	ErrTooLarge        = errors.New("file is too large")
	ErrTrayFull        = errors.New("maximum number of files reached")
	ErrDisabled        = errors.New("tray is disabled")
	ErrNoSuchItem      = errors.New("no such item")
)

// Attachment is a file uploaded in an earlier session, shown alongside new uploads.
type Attachment struct {
	ID          string
	Name        string
	ContentType string
}

// Config limits what a Tray accepts and wires its callbacks.
type Config struct {
	MaxFiles      int
	AcceptedTypes []string
	MaxSize       int64
	// InstantUpload starts a session as soon as a file is added. Otherwise Start does.
	InstantUpload bool
	Disabled      bool
	Endpoint      string
	ChunkSize     int64

	OnUploadComplete func(id string)
	// OnRevert is called after an uploaded file was deleted from the server.
	OnRevert func(id string)
	// OnRevertWithoutID is called when a file without a session id is removed.
	OnRevertWithoutID func(name string)
	// OnInitialRemove is called when an Attachment is removed. It is never reverted on the server.
	OnInitialRemove func(attachment Attachment)
}

// DefaultConfig accepts up to 5 images of at most 5 MiB and uploads them right away.
func DefaultConfig() Config {
	return Config{
		MaxFiles:      5,
		AcceptedTypes: []string{"image/*"},
		MaxSize:       5 * units.MiB,
		InstantUpload: true,
		Endpoint:      session.DefaultEndpoint,
	}
}

// Item is one entry of the tray.
type Item struct {
	name        string
	contentType string
	size        int64
	handle      *handle.Handle
	initial     *Attachment
}

func (i *Item) Name() string {
	return i.name
}

func (i *Item) ContentType() string {
	return i.contentType
}

func (i *Item) Size() int64 {
	return i.size
}

// IsInitial reports whether the item was seeded with AddInitial.
func (i *Item) IsInitial() bool {
	return i.initial != nil
}

// Handle is nil for initial items.
func (i *Item) Handle() *handle.Handle {
	return i.handle
}

func (i *Item) Status() session.Status {
	if i.initial != nil {
		return session.StatusSuccess
	}
	return i.handle.Status()
}

func (i *Item) ID() (string, bool) {
	if i.initial != nil {
		return i.initial.ID, i.initial.ID != ""
	}
	return i.handle.ID()
}

func (i *Item) Progress() (int, bool) {
	if i.initial != nil {
		return 100, true
	}
	return i.handle.Progress()
}

// Rejection tells why a file was not added.
type Rejection struct {
	Name   string
	Reason error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Name, r.Reason)
}

// Tray is safe for concurrent use.
type Tray struct {
	uploader *session.Uploader
	config   Config
	logger   log.Logger

	mu    sync.Mutex
	items []*Item
}

// New creates a Tray. Zero limits in config fall back to DefaultConfig.
func New(uploader *session.Uploader, config Config, logger log.Logger) *Tray {
	defaults := DefaultConfig()
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaults.MaxFiles
	}
	if len(config.AcceptedTypes) == 0 {
		config.AcceptedTypes = defaults.AcceptedTypes
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Tray{uploader: uploader, config: config, logger: logger}
}

// Add validates srcs and appends the accepted ones, up to the remaining capacity.
// With InstantUpload their uploads are started using ctx.
func (t *Tray) Add(ctx context.Context, srcs ...source.Source) ([]*Item, []Rejection) {
	if t.config.Disabled {
		rejections := make([]Rejection, 0, len(srcs))
		for _, src := range srcs {
			rejections = append(rejections, Rejection{Name: src.Name(), Reason: ErrDisabled})
		}
		return nil, rejections
	}

	var accepted []*Item
	var rejections []Rejection
	for _, src := range srcs {
		contentType, err := source.DetectContentType(src)
		if err != nil {
			rejections = append(rejections, Rejection{Name: src.Name(), Reason: err})
			continue
		}
		if !t.isAccepted(contentType) {
			t.logger.Warnf("%s rejected: %s is not one of %s", src.Name(), contentType, strings.Join(t.config.AcceptedTypes, ", "))
			rejections = append(rejections, Rejection{Name: src.Name(), Reason: ErrTypeNotAccepted})
			continue
		}
		if src.Size() > t.config.MaxSize {
			t.logger.Warnf("%s rejected: %s exceeds %s", src.Name(),
				units.BytesSize(float64(src.Size())), units.BytesSize(float64(t.config.MaxSize)))
			rejections = append(rejections, Rejection{Name: src.Name(), Reason: ErrTooLarge})
			continue
		}

		h := handle.New(t.uploader, src, session.Options{
			ChunkSize: t.config.ChunkSize,
			Endpoint:  t.config.Endpoint,
		})
		if t.config.OnUploadComplete != nil {
			h.OnComplete(t.config.OnUploadComplete)
		}
		accepted = append(accepted, &Item{
			name:        src.Name(),
			contentType: contentType,
			size:        src.Size(),
			handle:      h,
		})
	}

	t.mu.Lock()
	free := t.config.MaxFiles - len(t.items)
	if free < 0 {
		free = 0
	}
	if len(accepted) > free {
		for _, item := range accepted[free:] {
			rejections = append(rejections, Rejection{Name: item.name, Reason: ErrTrayFull})
		}
		accepted = accepted[:free]
	}
	t.items = append(t.items, accepted...)
	t.mu.Unlock()

	if t.config.InstantUpload {
		for _, item := range accepted {
			if err := item.handle.Start(ctx); err != nil {
				t.logger.Warnf("Failed to start upload of %s: %s", item.name, err)
			}
		}
	}

	return accepted, rejections
}

// AddInitial seeds attachments uploaded earlier. Attachments of a type that is not
// accepted are skipped. Capacity is not enforced for them.
func (t *Tray) AddInitial(attachments ...Attachment) []*Item {
	var added []*Item
	for _, attachment := range attachments {
		if !t.isAccepted(attachment.ContentType) {
			t.logger.Warnf("Initial file %s skipped: %s is not accepted", attachment.Name, attachment.ContentType)
			continue
		}
		a := attachment
		added = append(added, &Item{name: a.Name, contentType: a.ContentType, initial: &a})
	}

	t.mu.Lock()
	t.items = append(t.items, added...)
	t.mu.Unlock()

	return added
}

// Start starts the upload of every item that has not been started yet.
func (t *Tray) Start(ctx context.Context) {
	for _, item := range t.Items() {
		if item.initial != nil || item.handle.Status() != session.StatusIdle {
			continue
		}
		if err := item.handle.Start(ctx); err != nil {
			t.logger.Warnf("Failed to start upload of %s: %s", item.name, err)
		}
	}
}

// Remove drops the item at index. A running upload is canceled and a completed one
// is deleted from the server; attachments are only reported through OnInitialRemove.
func (t *Tray) Remove(ctx context.Context, index int) error {
	if t.config.Disabled {
		return ErrDisabled
	}

	t.mu.Lock()
	if index < 0 || index >= len(t.items) {
		t.mu.Unlock()
		return fmt.Errorf("remove item %d: %w", index, ErrNoSuchItem)
	}
	item := t.items[index]
	t.items = append(t.items[:index:index], t.items[index+1:]...)
	t.mu.Unlock()

	if item.initial != nil {
		if t.config.OnInitialRemove != nil {
			t.config.OnInitialRemove(*item.initial)
		}
		return nil
	}

	item.handle.Cancel()
	<-item.handle.Done()

	id, ok := item.handle.ID()
	if !ok {
		if t.config.OnRevertWithoutID != nil {
			t.config.OnRevertWithoutID(item.name)
		}
		return nil
	}

	if err := item.handle.Revert(ctx); err != nil {
		t.logger.Warnf("Failed to revert %s: %s", item.name, err)
		return nil
	}
	if t.config.OnRevert != nil {
		t.config.OnRevert(id)
	}
	return nil
}

// Clear cancels every running upload and empties the tray. Nothing is reverted.
func (t *Tray) Clear() {
	t.mu.Lock()
	items := t.items
	t.items = nil
	t.mu.Unlock()

	for _, item := range items {
		if item.handle != nil {
			item.handle.Cancel()
		}
	}
}

// Items returns a snapshot of the tray.
func (t *Tray) Items() []*Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Item(nil), t.items...)
}

// UploadedFiles returns the ids of all completed uploads and attachments, in tray order.
func (t *Tray) UploadedFiles() []string {
	var ids []string
	for _, item := range t.Items() {
		if item.Status() != session.StatusSuccess {
			continue
		}
		if id, ok := item.ID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Wait blocks until every started upload has finished.
func (t *Tray) Wait() {
	for _, item := range t.Items() {
		if item.handle != nil {
			item.handle.Wait()
		}
	}
}

func (t *Tray) isAccepted(contentType string) bool {
	return IsAccepted(contentType, t.config.AcceptedTypes)
}

// IsAccepted reports whether contentType matches one of accepted, which are exact
// media types or "type/*" wildcards.
func IsAccepted(contentType string, accepted []string) bool {
	contentType = strings.ToLower(contentType)
	for _, a := range accepted {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == contentType || a == "*/*" || a == "*" {
			return true
		}
		if mainType, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(contentType, mainType+"/") {
			return true
		}
	}
	return false
}
