package shape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shape-sync/internal/models"
)

// Response headers of the shape endpoint
const (
	HeaderHandle   = "electric-handle"
	HeaderOffset   = "electric-offset"
	HeaderUpToDate = "electric-up-to-date"
)

// initialOffset requests the shape from the beginning of its log
const initialOffset = "-1"

// Shape identifies a filtered, projected view of one table
type Shape struct {
	Table   string
	Where   string
	Columns []string
}

func (s Shape) String() string {
	if s.Where == "" {
		return s.Table
	}
	return fmt.Sprintf("%s[%s]", s.Table, s.Where)
}

// Options tunes a Stream
type Options struct {
	// Subscribe keeps the stream open for live changes after the initial snapshot
	Subscribe      bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries bounds consecutive failed requests; 0 retries forever
	MaxRetries int
	HTTPClient *http.Client
	// CursorFile persists the cursor after every applied batch; a later Stream
	// with the same file and shape resumes from it
	CursorFile string
}

// Handler receives batches in stream order. The next batch is not requested
// until the handler returns.
type Handler func(ctx context.Context, batch models.ChangeBatch) error

// Stream is a resumable subscription to a shape on an upstream endpoint.
// The cursor (handle and offset) advances only after a handler accepts a
// batch, so a new Subscribe resumes at the first unapplied batch.
type Stream struct {
	shape    Shape
	endpoint *url.URL
	opts     Options
	client   *http.Client
	ownedTr  *http.Transport
	logger   *logrus.Entry

	mu     sync.Mutex
	active bool
	handle string
	offset string
	live   bool
}

// Validate checks the shape and endpoint without opening a connection
func Validate(shape Shape, endpoint string) error {
	_, err := validate(shape, endpoint)
	return err
}

func validate(shape Shape, endpoint string) (*url.URL, error) {
	if strings.TrimSpace(shape.Table) == "" {
		return nil, &ConfigurationError{Field: "shape", Reason: "table is required"}
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &ConfigurationError{Field: "endpoint", Reason: "cannot parse url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("%q is not an http(s) base url", endpoint)}
	}
	return u, nil
}

// New validates the shape and endpoint. Reachability is checked on the first request.
func New(shape Shape, endpoint string, opts Options, logger *logrus.Logger) (*Stream, error) {
	u, err := validate(shape, endpoint)
	if err != nil {
		return nil, err
	}

	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}

	s := &Stream{
		shape:    shape,
		endpoint: u,
		opts:     opts,
		client:   opts.HTTPClient,
		offset:   initialOffset,
		logger: logger.WithFields(logrus.Fields{
			"shape":    shape.String(),
			"endpoint": u.Host,
		}),
	}
	if opts.CursorFile != "" {
		if err := s.restore(); err != nil {
			return nil, &ConfigurationError{Field: "cursor_file", Reason: opts.CursorFile, Err: err}
		}
	}
	if s.client == nil {
		s.ownedTr = http.DefaultTransport.(*http.Transport).Clone()
		s.client = &http.Client{Transport: s.ownedTr}
	}
	return s, nil
}

// restore seeds the cursor from the cursor file when it was saved for this shape
func (s *Stream) restore() error {
	c, err := loadCursor(s.opts.CursorFile)
	if err != nil {
		return err
	}
	if c == nil || c.Offset == "" {
		return nil
	}
	if c.Shape != s.shape.identity() {
		s.logger.Warnf("Ignoring cursor saved for shape %q, starting from the initial snapshot", c.Shape)
		return nil
	}
	s.handle, s.offset = c.Handle, c.Offset
	s.logger.Infof("Resuming shape from handle %s offset %s", c.Handle, c.Offset)
	return nil
}

// persist saves the current cursor. A failed save is logged: the batch is already
// applied, and the next run redelivers from the older cursor.
func (s *Stream) persist() {
	if s.opts.CursorFile == "" {
		return
	}
	s.mu.Lock()
	c := Cursor{Shape: s.shape.identity(), Handle: s.handle, Offset: s.offset}
	s.mu.Unlock()
	if err := saveCursor(s.opts.CursorFile, c); err != nil {
		s.logger.Warnf("Failed to persist cursor: %v", err)
	}
}

// Shape returns the shape this stream follows
func (s *Stream) Shape() Shape {
	return s.shape
}

// Cursor returns the handle and offset of the last accepted batch, or the
// restored ones before any batch is accepted
func (s *Stream) Cursor() (handle, offset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.offset
}

// Subscribe starts delivering batches to handler on a dedicated goroutine.
// Only one subscription may be active at a time.
func (s *Stream) Subscribe(ctx context.Context, handler Handler) (*Subscription, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrSubscriptionActive
	}
	s.active = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer func() {
			if s.ownedTr != nil {
				s.ownedTr.CloseIdleConnections()
			}
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}()
		sub.err = s.run(ctx, handler)
		if sub.err != nil {
			s.logger.Errorf("Subscription stopped: %v", sub.err)
		} else {
			s.logger.Info("Subscription closed")
		}
	}()

	return sub, nil
}

func (s *Stream) run(ctx context.Context, handler Handler) error {
	b := newBackoff(s.opts.InitialBackoff, s.opts.MaxBackoff)
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				return err
			}
			failures++
			if s.opts.MaxRetries > 0 && failures > s.opts.MaxRetries {
				return fmt.Errorf("giving up after %d failed requests: %w", failures, err)
			}
			s.logger.Warnf("Shape request failed, retrying in %s: %v", b.Interval(), err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.Interval()):
			}
			b.Increase()
			continue
		}
		b.Reset()
		failures = 0

		if res.mustRefetch {
			s.logger.Warn("Shape must be refetched, restarting from the initial snapshot")
			s.reset()
			s.persist()
			res.batch = models.ChangeBatch{{Headers: map[string]interface{}{models.HeaderControl: models.ControlMustRefetch}}}
		}

		if len(res.batch) > 0 {
			s.logger.Debugf("Delivering batch of %d messages", len(res.batch))
			// an in-flight batch finishes even if the subscription is cancelled
			if err := handler(context.WithoutCancel(ctx), res.batch); err != nil {
				return err
			}
		}

		if res.mustRefetch {
			continue
		}
		s.advance(res)
		s.persist()

		if res.upToDate && !s.isLive() {
			if !s.opts.Subscribe {
				s.logger.Info("Shape is up to date")
				return nil
			}
			s.logger.Info("Shape is up to date, switching to live mode")
			s.mu.Lock()
			s.live = true
			s.mu.Unlock()
		}
	}
}

type fetchResult struct {
	batch       models.ChangeBatch
	handle      string
	offset      string
	upToDate    bool
	mustRefetch bool
}

func (s *Stream) requestURL() string {
	s.mu.Lock()
	handle, offset, live := s.handle, s.offset, s.live
	s.mu.Unlock()

	u := *s.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/shape"
	q := u.Query()
	q.Set("table", s.shape.Table)
	if s.shape.Where != "" {
		q.Set("where", s.shape.Where)
	}
	if len(s.shape.Columns) > 0 {
		q.Set("columns", strings.Join(s.shape.Columns, ","))
	}
	q.Set("offset", offset)
	if handle != "" {
		q.Set("handle", handle)
	}
	if live {
		q.Set("live", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Stream) fetch(ctx context.Context) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(), nil)
	if err != nil {
		return nil, &ConfigurationError{Field: "endpoint", Reason: "cannot build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach shape endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read shape response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &fetchResult{mustRefetch: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &statusError{status: resp.StatusCode, body: snippet(body)}
	case resp.StatusCode >= 400:
		return nil, &ConfigurationError{
			Field:  "shape",
			Reason: fmt.Sprintf("endpoint rejected %s with status %d", s.shape, resp.StatusCode),
			Err:    errors.New(snippet(body)),
		}
	}

	res := &fetchResult{
		handle: resp.Header.Get(HeaderHandle),
		offset: resp.Header.Get(HeaderOffset),
	}
	if resp.StatusCode != http.StatusNoContent {
		res.batch, err = decodeMessages(body)
		if err != nil {
			return nil, err
		}
	}
	if res.offset == "" {
		res.offset = lastOffset(res.batch)
	}
	_, hasUpToDate := resp.Header[http.CanonicalHeaderKey(HeaderUpToDate)]
	res.upToDate = hasUpToDate || resp.StatusCode == http.StatusNoContent || upToDate(res.batch)
	return res, nil
}

func (s *Stream) advance(res *fetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.handle != "" {
		s.handle = res.handle
	}
	if res.offset != "" {
		s.offset = res.offset
	}
}

func (s *Stream) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = ""
	s.offset = initialOffset
	s.live = false
}

func (s *Stream) isLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// Subscription is a running delivery loop
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Unsubscribe stops delivery and waits for the loop to exit. A batch already
// handed to the handler is allowed to finish.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended: nil after Unsubscribe or a completed
// snapshot, otherwise the handler or transport error. Valid after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
