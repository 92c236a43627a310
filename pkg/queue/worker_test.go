package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

func TestRetryableFailureRetriesInWorker(t *testing.T) {
	h := newQueueHarness(t, nil)
	h.exec.failNext("alpha", models.Kindf(models.ErrKindUpstreamUnavailable, "github responded 502"))
	job := h.makeJob(t, testCard("alpha"))

	h.start(t)
	h.sched.Wake()

	require.Eventually(t, h.jobReached(job.ID, models.JobStatusCompleted),
		5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"alpha", "alpha"}, h.exec.executedTypes(),
		"one failed attempt and one successful retry")
	assert.Empty(t, h.exec.failCalls())

	cards, err := h.jobs.ListCards(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, models.CardStatusCompleted, cards[0].Status)
	assert.Equal(t, 2, cards[0].AttemptCount)
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	h := newQueueHarness(t, nil)
	// full_report is the one card whose failure fails the job.
	h.exec.failNext(models.FullReportCardType, models.Kindf(models.ErrKindUpstreamUnavailable, "github responded 502"))
	h.exec.failNext(models.FullReportCardType, models.Kindf(models.ErrKindUpstreamUnavailable, "github responded 503"))
	job := h.makeJob(t, testCard(models.FullReportCardType))

	h.start(t)
	h.sched.Wake()

	require.Eventually(t, h.jobReached(job.ID, models.JobStatusFailed),
		5*time.Second, 10*time.Millisecond)

	assert.Len(t, h.exec.executedTypes(), 2, "attempt ceiling is two")
	fails := h.exec.failCalls()
	require.Len(t, fails, 1)
	assert.Equal(t, models.ErrKindUpstreamUnavailable, fails[0].kind)
	assert.Contains(t, fails[0].message, "503")

	cards, err := h.jobs.ListCards(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, models.CardStatusFailed, cards[0].Status)
	assert.Equal(t, 2, cards[0].AttemptCount)

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrKindUpstreamUnavailable, got.ErrorKind)
}

func TestNonRetryableFailureFailsOnFirstAttempt(t *testing.T) {
	h := newQueueHarness(t, nil)
	h.exec.failNext("alpha", models.Kindf(models.ErrKindInternal, "handler blew up"))
	job := h.makeJob(t, testCard("alpha"))

	h.start(t)
	h.sched.Wake()

	// A plain card failure still completes the job.
	require.Eventually(t, h.jobReached(job.ID, models.JobStatusCompleted),
		5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"alpha"}, h.exec.executedTypes())
	fails := h.exec.failCalls()
	require.Len(t, fails, 1)
	assert.Equal(t, models.ErrKindInternal, fails[0].kind)

	cards, err := h.jobs.ListCards(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusFailed, cards[0].Status)
	assert.Equal(t, 1, cards[0].AttemptCount)
}

func TestTimeoutRetriesOnlyDeclaredIdempotentFetches(t *testing.T) {
	h := newQueueHarness(t, nil)
	idem := testCard("resource.github.data")
	idem.Input = map[string]any{"idempotent": true}
	scrape := testCard("resource.linkedin.profile")
	h.exec.failNext(idem.CardType, models.Kindf(models.ErrKindTimeout, "fetch deadline exceeded after 25s"))
	h.exec.failNext(scrape.CardType, models.Kindf(models.ErrKindTimeout, "fetch deadline exceeded after 25s"))
	job := h.makeJob(t, idem, scrape)

	h.start(t)
	h.sched.Wake()

	require.Eventually(t, h.jobReached(job.ID, models.JobStatusCompleted),
		5*time.Second, 10*time.Millisecond)

	counts := map[string]int{}
	for _, ct := range h.exec.executedTypes() {
		counts[ct]++
	}
	assert.Equal(t, 2, counts[idem.CardType], "idempotent fetch gets a second attempt")
	assert.Equal(t, 1, counts[scrape.CardType], "scrape timeout is terminal")

	fails := h.exec.failCalls()
	require.Len(t, fails, 1)
	assert.Equal(t, scrape.CardType, fails[0].cardType)
	assert.Equal(t, models.ErrKindTimeout, fails[0].kind)

	gotIdem := h.card(t, idem.ID)
	assert.Equal(t, models.CardStatusCompleted, gotIdem.Status)
	assert.Equal(t, 2, gotIdem.AttemptCount)
	gotScrape := h.card(t, scrape.ID)
	assert.Equal(t, models.CardStatusFailed, gotScrape.Status)
	assert.Equal(t, 1, gotScrape.AttemptCount)
}

func TestPollDelayStaysWithinJitterBounds(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.PollInterval = 100 * time.Millisecond
	cfg.PollIntervalJitter = 20 * time.Millisecond
	s := NewScheduler("w", cfg, nil, nil, models.SystemClock{})

	for i := 0; i < 200; i++ {
		d := s.pollDelay()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.Less(t, d, 120*time.Millisecond)
	}

	cfg.PollIntervalJitter = 0
	assert.Equal(t, 100*time.Millisecond, s.pollDelay())
}

func TestRetryBackoffScalesWithAttemptAndKind(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.RetryBackoffBase = 100 * time.Millisecond
	s := NewScheduler("w", cfg, nil, nil, models.SystemClock{})

	for i := 0; i < 200; i++ {
		d := s.retryBackoff(2, models.ErrKindUpstreamUnavailable)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
	for i := 0; i < 200; i++ {
		d := s.retryBackoff(3, models.ErrKindUpstreamUnavailable)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond, "third attempt doubles the base")
		assert.Less(t, d, 300*time.Millisecond)
	}
	for i := 0; i < 200; i++ {
		d := s.retryBackoff(2, models.ErrKindUpstreamRateLimited)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond, "rate limits wait longer")
		assert.Less(t, d, 600*time.Millisecond)
	}

	cfg.RetryBackoffBase = 0
	assert.Zero(t, s.retryBackoff(2, models.ErrKindUpstreamUnavailable))
}
