package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/fetcher"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
	"github.com/JakeFAU/metadata-inventory/internal/repository/memory"
)

func TestWorker_CompletedTaskIsAcked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{pages: map[string]metadata.Page{
		"https://example.com/": {
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"Content-Type": "text/html"},
			Cookies:    map[string]string{},
			PageSource: "<html>hello</html>",
			FinalURL:   "https://example.com/",
		},
	}}
	w := newTestWorker(src, repo, fetch, 3, 10)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{
		URL:         "HTTPS://Example.COM:443",
		RequestID:   "req-1",
		RequestedAt: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "ack", ack.calls()[0].op)

	// The record is keyed by the canonical form of the submitted URL.
	rec, err := repo.Get(ctx, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusCompleted, rec.Status)
	require.Equal(t, http.StatusOK, rec.Page.StatusCode)
	require.Equal(t, 1, rec.Processing.AttemptNumber)
	require.Empty(t, rec.Processing.ErrorMsg)
	require.Equal(t, "req-1", rec.Processing.LastRequestID)

	require.Equal(t, "<html>hell", rec.Page.PageSource)
	require.NotNil(t, rec.Page.Details)
	require.True(t, rec.Page.Details.Truncated)
	require.Equal(t, len("<html>hello</html>"), rec.Page.Details.OriginalLength)
}

func TestWorker_RetryableFailureIsNackedForRedelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{errs: map[string]error{
		"https://flaky.test/": &fetcher.RetryableError{Msg: "http status 503"},
	}}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{URL: "https://flaky.test", RequestID: "req-2"})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "nack", ack.calls()[0].op)
	require.True(t, ack.calls()[0].requeue)

	rec, err := repo.Get(ctx, "https://flaky.test/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFailedRetryable, rec.Status)
	require.Equal(t, "http status 503", rec.Processing.ErrorMsg)
	require.Equal(t, 1, rec.Processing.AttemptNumber)
}

func TestWorker_TransientFailuresRecoverOnLaterDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	timeout := &fetcher.RetryableError{Msg: "timeout while fetching https://slow.test/"}
	fetch := &fakeFetcher{
		script: map[string][]error{"https://slow.test/": {timeout, timeout}},
		pages: map[string]metadata.Page{
			"https://slow.test/": {StatusCode: http.StatusOK, PageSource: "<html>late</html>"},
		},
	}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	task := metadata.TaskMessage{URL: "https://slow.test", RequestID: "req-11"}
	src.deliver(t, ack, 1, task)
	src.redeliver(t, ack, 2, task)
	src.redeliver(t, ack, 3, task)

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "nack", ack.calls()[0].op)
	require.True(t, ack.calls()[0].requeue)
	require.Equal(t, "nack", ack.calls()[1].op)
	require.True(t, ack.calls()[1].requeue)
	require.Equal(t, "ack", ack.calls()[2].op)

	rec, err := repo.Get(ctx, "https://slow.test/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusCompleted, rec.Status)
	require.Equal(t, 3, rec.Processing.AttemptNumber)
	require.Equal(t, "<html>late</html>", rec.Page.PageSource)
	require.Empty(t, rec.Processing.ErrorMsg)
}

func TestWorker_RetriesExhaustedPromoteToPermanent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{errs: map[string]error{
		"https://flaky.test/": &fetcher.RetryableError{Msg: "timeout while fetching https://flaky.test/"},
	}}
	w := newTestWorker(src, repo, fetch, 2, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	task := metadata.TaskMessage{URL: "https://flaky.test", RequestID: "req-3"}
	src.deliver(t, ack, 1, task)
	src.redeliver(t, ack, 2, task)

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "nack", ack.calls()[0].op)
	require.Equal(t, "ack", ack.calls()[1].op)

	rec, err := repo.Get(ctx, "https://flaky.test/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFailedPermanent, rec.Status)
	require.Equal(t, 2, rec.Processing.AttemptNumber)
	require.Equal(t, "timeout while fetching https://flaky.test/", rec.Processing.ErrorMsg)
}

func TestWorker_PermanentFetchFailureIsAcked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{errs: map[string]error{
		"https://gone.test/": &fetcher.PermanentError{Msg: "http status 404"},
	}}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{URL: "https://gone.test", RequestID: "req-4"})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "ack", ack.calls()[0].op)

	rec, err := repo.Get(ctx, "https://gone.test/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFailedPermanent, rec.Status)
	require.Equal(t, 1, rec.Processing.AttemptNumber)
	require.Equal(t, "http status 404", rec.Processing.ErrorMsg)
}

func TestWorker_MalformedMessagesAreAcked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliverRaw(ack, 1, []byte("{not json"))
	src.deliver(t, ack, 2, metadata.TaskMessage{URL: "ftp://example.com/file", RequestID: "req-5"})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 2
	}, time.Second, 10*time.Millisecond)
	for _, call := range ack.calls() {
		require.Equal(t, "ack", call.op)
	}

	require.Zero(t, fetch.fetchCount())
	_, err := repo.Get(ctx, "ftp://example.com/file")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWorker_TerminalRecordsSkipTheFetch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := memory.New()
	require.NoError(t, repo.EnsurePending(ctx, "https://example.com/", "seed"))
	_, _, err := repo.MarkInProgress(ctx, "https://example.com/", "seed")
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, "https://example.com/", "seed", metadata.Page{StatusCode: http.StatusOK}))

	src := newFakeSource()
	fetch := &fakeFetcher{}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{URL: "https://example.com", RequestID: "req-6"})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "ack", ack.calls()[0].op)
	require.Zero(t, fetch.fetchCount())

	rec, err := repo.Get(ctx, "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusCompleted, rec.Status)
	require.Equal(t, 1, rec.Processing.AttemptNumber)
}

func TestWorker_StoreErrorsAreNackedForRetry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := &failingRepo{Repository: memory.New(), ensureErr: errors.New("store unavailable")}
	fetch := &fakeFetcher{}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{URL: "https://example.com", RequestID: "req-7"})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "nack", ack.calls()[0].op)
	require.True(t, ack.calls()[0].requeue)
	require.Zero(t, fetch.fetchCount())
}

func TestWorker_PanicDoesNotKillTheLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{
		panicOn: "https://boom.test/",
		pages: map[string]metadata.Page{
			"https://ok.test/": {StatusCode: http.StatusOK},
		},
	}
	w := newTestWorker(src, repo, fetch, 3, 0)

	go w.Run(ctx)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{URL: "https://boom.test", RequestID: "req-8"})
	src.deliver(t, ack, 2, metadata.TaskMessage{URL: "https://ok.test", RequestID: "req-9"})

	require.Eventually(t, func() bool {
		return len(ack.calls()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "nack", ack.calls()[0].op)
	require.True(t, ack.calls()[0].requeue)
	require.Equal(t, "ack", ack.calls()[1].op)

	rec, err := repo.Get(ctx, "https://ok.test/")
	require.NoError(t, err)
	require.Equal(t, metadata.StatusCompleted, rec.Status)
}

func TestWorker_DrainHandlesBufferedDeliveryAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newFakeSource()
	repo := memory.New()
	fetch := &fakeFetcher{pages: map[string]metadata.Page{
		"https://example.com/": {StatusCode: http.StatusOK},
	}}
	w := newTestWorker(src, repo, fetch, 3, 0)

	ack := &fakeAcknowledger{}
	src.deliver(t, ack, 1, metadata.TaskMessage{URL: "https://example.com", RequestID: "req-10"})

	require.NoError(t, w.Run(ctx))
	require.True(t, src.wasCanceled())
	require.Len(t, ack.calls(), 1)
	require.Equal(t, "ack", ack.calls()[0].op)
}

func newTestWorker(src Source, repo repository.Repository, fetch fetcher.Fetcher, maxRetries, maxPageSource int) *Worker {
	proc := NewProcessor(repo, fetch, config.WorkerConfig{
		MaxRetries:          maxRetries,
		MaxPageSourceLength: maxPageSource,
	}, zap.NewNop())
	return New(src, proc, zap.NewNop())
}

// --- fakes ---

type fakeSource struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	canceled   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{deliveries: make(chan amqp.Delivery, 16)}
}

func (s *fakeSource) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

func (s *fakeSource) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	return nil
}

func (s *fakeSource) wasCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *fakeSource) deliver(t *testing.T, ack amqp.Acknowledger, tag uint64, task metadata.TaskMessage) {
	t.Helper()
	body, err := task.Encode()
	require.NoError(t, err)
	s.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func (s *fakeSource) redeliver(t *testing.T, ack amqp.Acknowledger, tag uint64, task metadata.TaskMessage) {
	t.Helper()
	body, err := task.Encode()
	require.NoError(t, err)
	s.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Redelivered: true, Body: body}
}

func (s *fakeSource) deliverRaw(ack amqp.Acknowledger, tag uint64, body []byte) {
	s.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

type ackCall struct {
	tag     uint64
	op      string
	requeue bool
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	recorded []ackCall
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorded = append(a.recorded, ackCall{tag: tag, op: "ack"})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorded = append(a.recorded, ackCall{tag: tag, op: "nack", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recorded = append(a.recorded, ackCall{tag: tag, op: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) calls() []ackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ackCall, len(a.recorded))
	copy(out, a.recorded)
	return out
}

// fakeFetcher serves fixtures keyed by canonical URL. Entries in script
// are consumed one per fetch before pages and errs apply, so a URL can
// fail a few times and then succeed.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]metadata.Page
	errs    map[string]error
	script  map[string][]error
	panicOn string
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (metadata.Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	var scripted error
	if queue := f.script[url]; len(queue) > 0 {
		scripted = queue[0]
		f.script[url] = queue[1:]
	}
	f.mu.Unlock()
	if f.panicOn == url {
		panic("fetcher exploded")
	}
	if scripted != nil {
		return metadata.Page{}, scripted
	}
	if err, ok := f.errs[url]; ok {
		return metadata.Page{}, err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return metadata.Page{}, &fetcher.PermanentError{Msg: "no fixture for " + url}
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type failingRepo struct {
	repository.Repository
	ensureErr error
}

func (r *failingRepo) EnsurePending(ctx context.Context, url, requestID string) error {
	if r.ensureErr != nil {
		return r.ensureErr
	}
	return r.Repository.EnsurePending(ctx, url, requestID)
}
