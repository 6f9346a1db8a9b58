// Package relay ties the pairing state to the transport. It turns connection
// lifecycle and client actions into matching.Manager calls, delivers the
// resulting notices and forwards chat events between partners. Images pass
// through the moderation gate asynchronously before they reach the partner.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strangers/relay/internal/chat"
	"github.com/strangers/relay/internal/matching"
	"github.com/strangers/relay/internal/metrics"
	"github.com/strangers/relay/internal/moderation"
	"github.com/strangers/relay/internal/protocol"
	"github.com/strangers/relay/internal/ratelimit"
	"github.com/strangers/relay/internal/session"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Transport writes frames to connections.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
}

// Classifier returns the verdict for a base64 image data URL.
type Classifier interface {
	Classify(ctx context.Context, dataURL string) (moderation.Verdict, error)
}

// Limiter throttles per-connection actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	Forget(identifier string)
}

// Presence mirrors connection status to an external store.
type Presence interface {
	Create(ctx context.Context, sessionID string) error
	UpdateStatus(ctx context.Context, sessionID string, status string) error
	Delete(ctx context.Context, sessionID string) error
	SetOnline(ctx context.Context, count int) error
}

// Publisher emits audit and presence events.
type Publisher interface {
	PublishVerdict(res moderation.Result)
	PublishOnlineCount(count int)
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// Config holds tunable parameters for the relay.
type Config struct {
	ModerationTimeout time.Duration  // upper bound on one image check
	PresenceTimeout   time.Duration  // upper bound on one presence write
	MessageRule       ratelimit.Rule // applied to text and image messages
	SkipRule          ratelimit.Rule // applied to skips
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ModerationTimeout: 10 * time.Second,
		PresenceTimeout:   2 * time.Second,
		MessageRule:       ratelimit.RuleMessage,
		SkipRule:          ratelimit.RuleSkip,
	}
}

// Option configures optional collaborators.
type Option func(*Relay)

// WithLimiter enables rate limiting of messages and skips.
func WithLimiter(l Limiter) Option {
	return func(r *Relay) { r.limiter = l }
}

// WithPresence enables the presence mirror.
func WithPresence(p Presence) Option {
	return func(r *Relay) { r.presence = p }
}

// WithPublisher enables verdict and presence events.
func WithPublisher(p Publisher) Option {
	return func(r *Relay) { r.events = p }
}

// presenceQueueSize bounds presence writes waiting for the store.
const presenceQueueSize = 1024

type presenceOp func(ctx context.Context, p Presence) error

// Relay is safe for concurrent use. All pairing state lives in the
// matching.Manager; the Relay performs the I/O around it.
//
// mu orders deliveries: a pairing change and the frames it produces (count
// broadcast, notices) happen under the write lock, so every client sees
// them in commit order. Relayed chat events take the read lock so nothing is
// forwarded across a pairing change.
type Relay struct {
	config     Config
	mgr        *matching.Manager
	transport  Transport
	classifier Classifier
	tracker    *moderation.Tracker
	limiter    Limiter
	presence   Presence
	events     Publisher
	log        *zap.Logger

	mu         sync.RWMutex
	presenceCh chan presenceOp

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	bg     sync.WaitGroup
}

// New creates a Relay that writes through transport and classifies images
// with classifier.
func New(config Config, transport Transport, classifier Classifier, log *zap.Logger, opts ...Option) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		config:     config,
		mgr:        matching.NewManager(),
		transport:  transport,
		classifier: classifier,
		tracker:    moderation.NewTracker(),
		log:        log.With(zap.String("component", "relay")),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.presence != nil {
		r.presenceCh = make(chan presenceOp, presenceQueueSize)
		r.bg.Add(1)
		go r.presenceLoop()
	}
	return r
}

// Connect registers a connection, broadcasts the new online count and tries
// to pair it.
func (r *Relay) Connect(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	online, notices, err := r.mgr.Connect(sessionID)
	if err != nil {
		return err
	}

	r.withPresence(func(ctx context.Context, p Presence) error {
		return p.Create(ctx, sessionID)
	})

	r.log.Debug("connected", zap.String("session", sessionID), zap.Int("count", online))
	r.broadcastCount(online)
	r.deliver(notices)
	return nil
}

// Disconnect discards a connection. It is idempotent: the online count and
// broadcast change only on the first call for an id.
func (r *Relay) Disconnect(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	online, partner, notices, ok := r.mgr.Disconnect(sessionID)
	if !ok {
		return
	}

	if n := r.tracker.CancelSession(sessionID); n > 0 {
		r.log.Debug("cancelled image checks", zap.String("session", sessionID), zap.Int("count", n))
	}
	if r.limiter != nil {
		r.limiter.Forget(sessionID)
	}
	r.withPresence(func(ctx context.Context, p Presence) error {
		return p.Delete(ctx, sessionID)
	})

	r.log.Debug("disconnected",
		zap.String("session", sessionID),
		zap.String("partner", partner),
		zap.Int("count", online),
	)
	r.broadcastCount(online)
	r.deliver(notices)
}

// Skip drops the current partner and re-enters pairing for sessionID only.
func (r *Relay) Skip(sessionID string) error {
	if !r.allow(sessionID, r.config.SkipRule) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	partner, notices, err := r.mgr.Skip(sessionID)
	if err != nil {
		return err
	}
	if partner != "" {
		r.tracker.CancelSession(sessionID)
	}

	r.deliver(notices)
	r.refreshGauges()
	return nil
}

// Send relays a chat message from sessionID to its partner. Without a partner
// the message is dropped silently. Images are classified before delivery.
func (r *Relay) Send(sessionID string, msg chat.Message) {
	if !r.allow(sessionID, r.config.MessageRule) {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	partner, ok := r.mgr.Partner(sessionID)
	if !ok {
		metrics.DroppedTotal.WithLabelValues("no_partner").Inc()
		return
	}

	switch m := msg.(type) {
	case chat.Text:
		r.forward(partner, m, chat.KindText)
	case chat.Image:
		r.moderate(sessionID, partner, m)
	default:
		metrics.DroppedTotal.WithLabelValues("invalid").Inc()
		r.log.Warn("dropping unsupported message", zap.String("session", sessionID), zap.String("kind", string(msg.Kind())))
	}
}

// Typing forwards a typing signal to the partner, if any.
func (r *Relay) Typing(sessionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	partner, ok := r.mgr.Partner(sessionID)
	if !ok {
		return
	}
	r.forward(partner, chat.Typing{}, "typing")
}

// Stats returns the current pairing counts.
func (r *Relay) Stats() matching.Stats {
	return r.mgr.Stats()
}

// Pending returns the number of image checks in flight.
func (r *Relay) Pending() int {
	return r.tracker.Len()
}

// Close cancels every in-flight image check, waits for the checks to return
// and flushes queued presence writes.
func (r *Relay) Close() {
	r.cancel()
	r.tracker.CancelAll()
	r.wg.Wait()
	r.bg.Wait()
}

// ---------------------------------------------------------------------------
// Moderation gate
// ---------------------------------------------------------------------------

// moderate classifies img in the background. The result is delivered only if
// from and to are still paired with each other when the verdict arrives.
func (r *Relay) moderate(from, to string, img chat.Image) {
	ctx, requestID, done := r.tracker.Begin(r.ctx, from, to)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer done()

		checkCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.config.ModerationTimeout > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, r.config.ModerationTimeout)
		}
		start := time.Now()
		verdict, err := r.classifier.Classify(checkCtx, img.Content)
		cancel()
		metrics.ModerationLatency.Observe(time.Since(start).Seconds())

		res := moderation.Result{
			RequestID: requestID,
			SessionID: from,
			PartnerID: to,
			Ts:        time.Now().Unix(),
		}
		log := r.log.With(zap.String("request", requestID), zap.String("session", from), zap.String("partner", to))

		// Cancelled by skip, disconnect or shutdown: the pairing is gone.
		if ctx.Err() != nil {
			res.Outcome = moderation.OutcomeStale
			r.record(res)
			log.Debug("image check cancelled")
			return
		}

		if err != nil {
			res.Outcome = moderation.OutcomeError
			res.Reason = classificationOp(err)
			r.record(res)
			log.Warn("image check failed", zap.Error(err))
			r.send(from, chat.System{Content: chat.SystemErrorText})
			return
		}

		r.mu.RLock()
		defer r.mu.RUnlock()

		if !r.mgr.PairedWith(from, to) {
			res.Outcome = moderation.OutcomeStale
			r.record(res)
			log.Debug("dropping stale verdict")
			return
		}

		img.NSFW = verdict == moderation.Flagged
		res.Outcome = verdict.String()
		r.record(res)
		r.forward(to, img, chat.KindImage)
	}()
}

func (r *Relay) record(res moderation.Result) {
	metrics.ModerationTotal.WithLabelValues(res.Outcome).Inc()
	if r.events != nil {
		r.events.PublishVerdict(res)
	}
}

func classificationOp(err error) string {
	var cerr *moderation.ClassificationError
	if errors.As(err, &cerr) {
		return cerr.Op
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func (r *Relay) allow(sessionID string, rule ratelimit.Rule) bool {
	if r.limiter == nil || rule.Limit <= 0 || rule.Window <= 0 {
		return true
	}
	ok, err := r.limiter.Allow(r.ctx, sessionID, rule)
	if err != nil {
		r.log.Debug("rate limiter error", zap.String("session", sessionID), zap.Error(err))
	}
	if ok {
		return true
	}
	metrics.DroppedTotal.WithLabelValues("rate_limited").Inc()

	retry := rule.RetryAfter()
	if secs, err := r.limiter.RetryAfter(r.ctx, sessionID, rule); err == nil && secs > 0 {
		retry = secs
	}
	r.send(sessionID, chat.RateLimited{RetryAfter: retry})
	return false
}

func (r *Relay) forward(to string, ev chat.Event, kind chat.Kind) {
	if r.send(to, ev) {
		metrics.RelayedTotal.WithLabelValues(string(kind)).Inc()
	}
}

// send encodes ev and writes it to one connection. Write failures are left to
// the transport's disconnect path.
func (r *Relay) send(to string, ev chat.Event) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error("encode failed", zap.Error(err))
		return false
	}
	if err := r.transport.SendMessage(to, data); err != nil {
		r.log.Debug("send failed", zap.String("session", to), zap.Error(err))
		return false
	}
	return true
}

func (r *Relay) deliver(notices []matching.Notice) {
	for _, n := range notices {
		var (
			ev     chat.Event
			status string
		)
		switch n.Kind {
		case matching.NoticePartnerFound:
			ev, status = chat.PartnerFound{}, session.StatusPaired
		case matching.NoticeNoPartner:
			ev, status = chat.NoPartner{}, session.StatusWaiting
		case matching.NoticePartnerDisconnected:
			ev, status = chat.PartnerDisconnected{}, session.StatusIdle
		default:
			continue
		}

		r.send(n.To, ev)
		to := n.To
		r.withPresence(func(ctx context.Context, p Presence) error {
			return p.UpdateStatus(ctx, to, status)
		})
	}
}

func (r *Relay) broadcastCount(online int) {
	data, err := protocol.Encode(chat.UserCount{Count: online})
	if err != nil {
		r.log.Error("encode failed", zap.Error(err))
		return
	}
	r.transport.Broadcast(data)
	r.refreshGauges()

	r.withPresence(func(ctx context.Context, p Presence) error {
		return p.SetOnline(ctx, online)
	})
	if r.events != nil {
		r.events.PublishOnlineCount(online)
	}
}

func (r *Relay) refreshGauges() {
	stats := r.mgr.Stats()
	metrics.Online.Set(float64(stats.Online))
	metrics.Waiting.Set(float64(stats.Waiting))
	metrics.Pairs.Set(float64(stats.Pairs))
}

// withPresence queues a presence write. Writes reach the store in the order
// they were queued; a full queue drops the write.
func (r *Relay) withPresence(fn presenceOp) {
	if r.presenceCh == nil {
		return
	}
	select {
	case r.presenceCh <- fn:
	default:
		metrics.DroppedTotal.WithLabelValues("presence").Inc()
		r.log.Warn("presence queue full, dropping update")
	}
}

// presenceLoop applies queued presence writes one at a time. On Close it
// drains what is already queued and returns.
func (r *Relay) presenceLoop() {
	defer r.bg.Done()
	for {
		select {
		case fn := <-r.presenceCh:
			r.applyPresence(fn)
		case <-r.ctx.Done():
			for {
				select {
				case fn := <-r.presenceCh:
					r.applyPresence(fn)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) applyPresence(fn presenceOp) {
	timeout := r.config.PresenceTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx, r.presence); err != nil {
		r.log.Warn("presence update failed", zap.Error(err))
	}
}
