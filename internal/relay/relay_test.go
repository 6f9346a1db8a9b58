package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strangers/relay/internal/chat"
	"github.com/strangers/relay/internal/moderation"
	"github.com/strangers/relay/internal/ratelimit"
	"github.com/strangers/relay/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTransport struct {
	mu         sync.Mutex
	frames     map[string][]map[string]interface{}
	broadcasts []int

	// Optional hooks run before a frame is recorded. Set them before the
	// relay is used.
	onSend      func(id, event string)
	onBroadcast func(count int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(map[string][]map[string]interface{})}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if f.onSend != nil {
		f.onSend(connID, m["event"].(string))
	}
	f.mu.Lock()
	f.frames[connID] = append(f.frames[connID], m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Broadcast(data []byte) {
	var m struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(data, &m)
	if f.onBroadcast != nil {
		f.onBroadcast(m.Count)
	}
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, m.Count)
	f.mu.Unlock()
}

func (f *fakeTransport) events(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames[id]))
	for _, m := range f.frames[id] {
		out = append(out, m["event"].(string))
	}
	return out
}

func (f *fakeTransport) messages(id string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range f.frames[id] {
		if m["event"] == "message" {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) counts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.broadcasts...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = make(map[string][]map[string]interface{})
	f.broadcasts = nil
	f.mu.Unlock()
}

type classifierFunc func(ctx context.Context, dataURL string) (moderation.Verdict, error)

func (fn classifierFunc) Classify(ctx context.Context, dataURL string) (moderation.Verdict, error) {
	return fn(ctx, dataURL)
}

func verdict(v moderation.Verdict, err error) classifierFunc {
	return func(context.Context, string) (moderation.Verdict, error) { return v, err }
}

// blocking returns a classifier that waits for release or cancellation.
func blocking(release <-chan struct{}, v moderation.Verdict) classifierFunc {
	return func(ctx context.Context, _ string) (moderation.Verdict, error) {
		select {
		case <-release:
			return v, nil
		case <-ctx.Done():
			return moderation.Clean, ctx.Err()
		}
	}
}

type fakePresence struct {
	mu     sync.Mutex
	status map[string]string
	online int
}

func (p *fakePresence) Create(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[id] = session.StatusIdle
	return nil
}

func (p *fakePresence) UpdateStatus(_ context.Context, id, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[id] = status
	return nil
}

func (p *fakePresence) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.status, id)
	return nil
}

func (p *fakePresence) SetOnline(_ context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = n
	return nil
}

// blockingPresence holds every Create until release is closed.
type blockingPresence struct {
	fakePresence
	release chan struct{}
}

func (p *blockingPresence) Create(ctx context.Context, id string) error {
	<-p.release
	return p.fakePresence.Create(ctx, id)
}

type fakePublisher struct {
	mu       sync.Mutex
	verdicts []moderation.Result
	counts   []int
}

func (p *fakePublisher) PublishVerdict(res moderation.Result) {
	p.mu.Lock()
	p.verdicts = append(p.verdicts, res)
	p.mu.Unlock()
}

func (p *fakePublisher) PublishOnlineCount(n int) {
	p.mu.Lock()
	p.counts = append(p.counts, n)
	p.mu.Unlock()
}

func (p *fakePublisher) outcomes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, v := range p.verdicts {
		out = append(out, v.Outcome)
	}
	return out
}

func newRelay(t *testing.T, c Classifier, opts ...Option) (*Relay, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	r := New(DefaultConfig(), tr, c, nil, opts...)
	t.Cleanup(r.Close)
	return r, tr
}

// pair connects a then b and clears the recorded frames.
func pair(t *testing.T, r *Relay, tr *fakeTransport, a, b string) {
	t.Helper()
	require.NoError(t, r.Connect(a))
	require.NoError(t, r.Connect(b))
	tr.reset()
}

// flushPresence waits until every presence write queued so far has been
// applied.
func flushPresence(t *testing.T, r *Relay) {
	t.Helper()
	done := make(chan struct{})
	r.withPresence(func(context.Context, Presence) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("presence queue did not drain")
	}
}

func waitChecks(t *testing.T, r *Relay) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
}

const img = "data:image/png;base64,iVBORw0KGgo="

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestConnect_BroadcastsAndPairs(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))

	require.NoError(t, r.Connect("a"))
	assert.Equal(t, []string{"noPartner"}, tr.events("a"))

	require.NoError(t, r.Connect("b"))
	assert.Equal(t, []string{"noPartner", "partnerFound"}, tr.events("a"))
	assert.Equal(t, []string{"partnerFound"}, tr.events("b"))
	assert.Equal(t, []int{1, 2}, tr.counts())
}

func TestConnect_Duplicate(t *testing.T) {
	r, _ := newRelay(t, verdict(moderation.Clean, nil))
	require.NoError(t, r.Connect("a"))
	assert.Error(t, r.Connect("a"))
}

func TestDisconnect_NotifiesPartnerOnce(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	pair(t, r, tr, "a", "b")

	r.Disconnect("a")
	r.Disconnect("a")

	assert.Equal(t, []string{"partnerDisconnected"}, tr.events("b"))
	assert.Equal(t, []int{1}, tr.counts())
	assert.Equal(t, 1, r.Stats().Online)
}

func TestSkip_OnlySkipperRequeued(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	pair(t, r, tr, "a", "b")

	require.NoError(t, r.Skip("a"))

	assert.Equal(t, []string{"partnerDisconnected"}, tr.events("b"))
	assert.Equal(t, []string{"noPartner"}, tr.events("a"))
	assert.Equal(t, 1, r.Stats().Waiting)
	assert.Equal(t, 0, r.Stats().Pairs)
}

func TestSkip_Unknown(t *testing.T) {
	r, _ := newRelay(t, verdict(moderation.Clean, nil))
	assert.Error(t, r.Skip("ghost"))
}

// ---------------------------------------------------------------------------
// Delivery order
// ---------------------------------------------------------------------------

func TestConnect_CountBroadcastsFollowCommitOrder(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))

	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	tr.onBroadcast = func(count int) {
		if count == 1 {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Connect("a"))
	}()
	<-entered
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Connect("b"))
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, []int{1, 2}, tr.counts())
	assert.Equal(t, 2, r.Stats().Online)
}

func TestSkip_WaitsForPendingPairNotices(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	require.NoError(t, r.Connect("a"))

	// Hold b's partnerFound on the wire while a skips.
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	tr.onSend = func(id, event string) {
		if id == "b" && event == "partnerFound" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Connect("b"))
	}()
	<-entered
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Skip("a"))
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"partnerFound", "partnerDisconnected"}, tr.events("b"))
	assert.Equal(t, []string{"noPartner", "partnerFound", "noPartner"}, tr.events("a"))
	_, paired := r.mgr.Partner("b")
	assert.False(t, paired)
}

func lastPairingEvent(events []string) string {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i] {
		case "partnerFound", "noPartner", "partnerDisconnected":
			return events[i]
		}
	}
	return ""
}

func TestConcurrentOperations_ClientsAgreeWithServer(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	tr.onSend = func(string, string) { runtime.Gosched() }
	tr.onBroadcast = func(int) { runtime.Gosched() }

	const workers, rounds = 8, 80
	final := make([]string, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			id, gen := "", 0
			for i := 0; i < rounds; i++ {
				switch n := rng.Intn(6); {
				case id == "":
					gen++
					id = fmt.Sprintf("w%d-%d", w, gen)
					assert.NoError(t, r.Connect(id))
				case n == 0:
					r.Disconnect(id)
					id = ""
				case n == 1:
					r.Send(id, chat.Text{Content: "hi"})
				case n == 2:
					r.Typing(id)
				default:
					assert.NoError(t, r.Skip(id))
				}
			}
			final[w] = id
		}(w)
	}
	wg.Wait()

	for _, id := range final {
		if id == "" {
			continue
		}
		want := "partnerDisconnected"
		if _, ok := r.mgr.Partner(id); ok {
			want = "partnerFound"
		} else if r.mgr.IsWaiting(id) {
			want = "noPartner"
		}
		assert.Equal(t, want, lastPairingEvent(tr.events(id)), "last pairing event of %s", id)
	}

	counts := tr.counts()
	require.NotEmpty(t, counts)
	assert.Equal(t, r.Stats().Online, counts[len(counts)-1])
	assert.Equal(t, 1, counts[0])
	for i := 1; i < len(counts); i++ {
		step := counts[i] - counts[i-1]
		assert.True(t, step == 1 || step == -1, "count went from %d to %d", counts[i-1], counts[i])
	}
}

func TestPresence_SlowStoreDoesNotDelayPairing(t *testing.T) {
	p := &blockingPresence{fakePresence: fakePresence{status: make(map[string]string)}, release: make(chan struct{})}
	r, tr := newRelay(t, verdict(moderation.Clean, nil), WithPresence(p))
	defer close(p.release)

	require.NoError(t, r.Connect("a"))
	require.NoError(t, r.Connect("b"))
	require.NoError(t, r.Skip("a"))

	assert.Equal(t, []string{"partnerFound", "partnerDisconnected"}, tr.events("b"))
	_, paired := r.mgr.Partner("b")
	assert.False(t, paired)
}

// ---------------------------------------------------------------------------
// Text and typing
// ---------------------------------------------------------------------------

func TestSend_TextForwardedVerbatim(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Text{Content: "hello there"})

	msgs := tr.messages("b")
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0]["type"])
	assert.Equal(t, "hello there", msgs[0]["content"])
	assert.Empty(t, tr.events("a"))
}

func TestSend_WithoutPartnerDropped(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	require.NoError(t, r.Connect("a"))
	tr.reset()

	r.Send("a", chat.Text{Content: "anyone?"})
	r.Send("a", chat.Image{Content: img})
	r.Typing("a")

	assert.Empty(t, tr.events("a"))
	assert.Equal(t, 0, r.Pending())
}

func TestSend_SystemKindDropped(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.System{Content: "spoof"})
	assert.Empty(t, tr.events("b"))
}

func TestTyping_Forwarded(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Clean, nil))
	pair(t, r, tr, "a", "b")

	r.Typing("b")
	assert.Equal(t, []string{"typing"}, tr.events("a"))
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

func TestSend_ImageClean(t *testing.T) {
	pub := &fakePublisher{}
	r, tr := newRelay(t, verdict(moderation.Clean, nil), WithPublisher(pub))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	waitChecks(t, r)

	msgs := tr.messages("b")
	require.Len(t, msgs, 1)
	assert.Equal(t, "image", msgs[0]["type"])
	assert.Equal(t, img, msgs[0]["content"])
	_, flagged := msgs[0]["nsfw"]
	assert.False(t, flagged)
	assert.Equal(t, []string{moderation.OutcomeClean}, pub.outcomes())
}

func TestSend_ImageFlagged(t *testing.T) {
	r, tr := newRelay(t, verdict(moderation.Flagged, nil))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	waitChecks(t, r)

	msgs := tr.messages("b")
	require.Len(t, msgs, 1)
	assert.Equal(t, img, msgs[0]["content"])
	assert.Equal(t, true, msgs[0]["nsfw"])
}

func TestSend_ImageFailureNotifiesSenderOnly(t *testing.T) {
	pub := &fakePublisher{}
	failure := &moderation.ClassificationError{Op: "request", Err: errors.New("connection refused")}
	r, tr := newRelay(t, verdict(moderation.Clean, failure), WithPublisher(pub))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	waitChecks(t, r)

	assert.Empty(t, tr.events("b"))
	msgs := tr.messages("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0]["type"])
	assert.Equal(t, chat.SystemErrorText, msgs[0]["content"])
	assert.Equal(t, []string{moderation.OutcomeError}, pub.outcomes())
}

func TestSend_ImageTimeout(t *testing.T) {
	tr := newFakeTransport()
	cfg := DefaultConfig()
	cfg.ModerationTimeout = 20 * time.Millisecond
	r := New(cfg, tr, blocking(make(chan struct{}), moderation.Clean), nil)
	t.Cleanup(r.Close)
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	waitChecks(t, r)

	assert.Empty(t, tr.events("b"))
	msgs := tr.messages("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0]["type"])
}

func TestSend_ImageDroppedAfterSkip(t *testing.T) {
	release := make(chan struct{})
	pub := &fakePublisher{}
	r, tr := newRelay(t, blocking(release, moderation.Clean), WithPublisher(pub))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	require.Equal(t, 1, r.Pending())

	require.NoError(t, r.Skip("a"))
	close(release)
	waitChecks(t, r)

	assert.Empty(t, tr.messages("b"))
	assert.Empty(t, tr.messages("a"), "a cancelled check is not an error")
	assert.Equal(t, []string{moderation.OutcomeStale}, pub.outcomes())
}

func TestSend_ImageDroppedAfterPartnerDisconnect(t *testing.T) {
	release := make(chan struct{})
	r, tr := newRelay(t, blocking(release, moderation.Clean))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	r.Disconnect("b")
	close(release)
	waitChecks(t, r)

	assert.Empty(t, tr.messages("b"))
	assert.Empty(t, tr.messages("a"))
}

func TestSend_ImageDroppedWhenRepairedBeforeVerdict(t *testing.T) {
	// The classifier ignores cancellation; its verdict arrives after a has a
	// new partner.
	release := make(chan struct{})
	stubborn := classifierFunc(func(context.Context, string) (moderation.Verdict, error) {
		<-release
		return moderation.Clean, nil
	})
	r, tr := newRelay(t, stubborn)
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	r.Disconnect("b")
	require.NoError(t, r.Connect("c")) // a was left partner-less, c waits
	require.NoError(t, r.Skip("a"))    // a pairs with c
	close(release)
	waitChecks(t, r)

	assert.Empty(t, tr.messages("c"))
	assert.Empty(t, tr.messages("b"))
}

func TestSend_ImageDoesNotBlockText(t *testing.T) {
	release := make(chan struct{})
	r, tr := newRelay(t, blocking(release, moderation.Clean))
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	r.Send("a", chat.Text{Content: "after the image"})

	msgs := tr.messages("b")
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0]["type"])

	close(release)
	waitChecks(t, r)
	msgs = tr.messages("b")
	require.Len(t, msgs, 2)
	assert.Equal(t, "image", msgs[1]["type"])
}

func TestClose_CancelsInFlightChecks(t *testing.T) {
	tr := newFakeTransport()
	r := New(DefaultConfig(), tr, blocking(make(chan struct{}), moderation.Clean), nil)
	pair(t, r, tr, "a", "b")

	r.Send("a", chat.Image{Content: img})
	r.Close()

	assert.Equal(t, 0, r.Pending())
	assert.Empty(t, tr.messages("a"))
	assert.Empty(t, tr.messages("b"))
}

// ---------------------------------------------------------------------------
// Optional collaborators
// ---------------------------------------------------------------------------

func TestRateLimit_Messages(t *testing.T) {
	tr := newFakeTransport()
	cfg := DefaultConfig()
	cfg.MessageRule = ratelimit.Rule{Key: "msg:", Limit: 2, Window: time.Hour}
	r := New(cfg, tr, verdict(moderation.Clean, nil), nil, WithLimiter(ratelimit.NewLocalLimiter()))
	t.Cleanup(r.Close)
	pair(t, r, tr, "a", "b")

	for i := 0; i < 3; i++ {
		r.Send("a", chat.Text{Content: "spam"})
	}

	assert.Len(t, tr.messages("b"), 2)
	assert.Equal(t, []string{"rateLimited"}, tr.events("a"))

	// One token per 30 minutes: the hint comes from the bucket, not the window.
	tr.mu.Lock()
	retry := tr.frames["a"][0]["retryAfter"]
	tr.mu.Unlock()
	assert.Equal(t, float64(1800), retry)
}

func TestRateLimit_Skips(t *testing.T) {
	tr := newFakeTransport()
	cfg := DefaultConfig()
	cfg.SkipRule = ratelimit.Rule{Key: "skip:", Limit: 1, Window: time.Hour}
	r := New(cfg, tr, verdict(moderation.Clean, nil), nil, WithLimiter(ratelimit.NewLocalLimiter()))
	t.Cleanup(r.Close)
	pair(t, r, tr, "a", "b")

	require.NoError(t, r.Skip("a"))
	require.NoError(t, r.Skip("a"))

	assert.Equal(t, []string{"noPartner", "rateLimited"}, tr.events("a"))
}

func TestPresenceMirror(t *testing.T) {
	p := &fakePresence{status: make(map[string]string)}
	r, tr := newRelay(t, verdict(moderation.Clean, nil), WithPresence(p))

	require.NoError(t, r.Connect("a"))
	flushPresence(t, r)
	assert.Equal(t, session.StatusWaiting, p.status["a"])

	pair(t, r, tr, "b", "c") // b pairs with a, c waits
	flushPresence(t, r)
	assert.Equal(t, session.StatusPaired, p.status["a"])
	assert.Equal(t, session.StatusPaired, p.status["b"])
	assert.Equal(t, session.StatusWaiting, p.status["c"])
	assert.Equal(t, 3, p.online)

	r.Disconnect("b")
	flushPresence(t, r)
	assert.Equal(t, session.StatusIdle, p.status["a"])
	_, ok := p.status["b"]
	assert.False(t, ok)
	assert.Equal(t, 2, p.online)
}

func TestPublisher_OnlineCounts(t *testing.T) {
	pub := &fakePublisher{}
	r, _ := newRelay(t, verdict(moderation.Clean, nil), WithPublisher(pub))

	require.NoError(t, r.Connect("a"))
	require.NoError(t, r.Connect("b"))
	r.Disconnect("a")

	assert.Equal(t, []int{1, 2, 1}, pub.counts)
}
