package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

// ────────────────────────────────────────────────────────────────────
// Scenario: the user cancels while the slow data scrape is mid-flight.
// The running fetch is interrupted, untouched cards are cancelled in
// place, finished cards keep their output, and the stream ends on a
// single job.cancelled.
// ────────────────────────────────────────────────────────────────────

func TestE2E_CancelMidRun(t *testing.T) {
	app := NewTestApp(t)
	app.GitHub.Script("resource.github.profile", &fetch.ScriptedResult{
		Payload: githubProfilePayload(),
	})
	app.GitHub.Script("resource.github.data", &fetch.ScriptedResult{
		Payload: githubDataPayload(),
		Delay:   30 * time.Second,
	})

	jobID := app.SubmitJob("github", map[string]string{"handle": "octocat"})
	sse := app.OpenSSE(jobID, 0)

	// Let the quick cards land and the slow scrape get picked up.
	app.WaitForCardStatus(jobID, "resource.github.preview", models.CardStatusCompleted)
	app.WaitForCardStatus(jobID, "profile", models.CardStatusCompleted)
	app.WaitForCardStatus(jobID, "resource.github.data", models.CardStatusRunning)

	app.CancelJob(jobID)
	app.WaitForJobStatus(jobID, models.JobStatusCancelled)

	// The in-flight fetch was interrupted, not retried.
	data := app.CardByType(jobID, "resource.github.data")
	assert.Equal(t, models.CardStatusCancelled, data.Status)
	assert.Equal(t, models.ErrKindCancelled, data.ErrorKind)
	assert.Equal(t, 1, app.GitHub.CallCount("resource.github.data"))

	snap := app.Snapshot(jobID)
	require.Len(t, snap.Cards, 11)
	var completed, cancelled []string
	for _, card := range snap.Cards {
		switch card.Status {
		case models.CardStatusCompleted:
			completed = append(completed, card.CardType)
		case models.CardStatusCancelled:
			cancelled = append(cancelled, card.CardType)
		default:
			t.Fatalf("card %s left in status %s", card.CardType, card.Status)
		}
	}
	assert.ElementsMatch(t, []string{"resource.github.profile", "resource.github.preview", "profile"}, completed)
	assert.Len(t, cancelled, 8)

	// Finished work is untouched.
	profile := app.CardByType(jobID, "profile")
	assert.Equal(t, "octocat", profile.Output.Data["handle"])

	evs := app.JobEvents(jobID)
	requireContiguousSeq(t, evs)
	assert.Equal(t, 8, countEvents(evs, models.EventCardCancelled))
	assert.Equal(t, 1, countEvents(evs, models.EventJobCancelled))
	assert.Equal(t, 0, countEvents(evs, models.EventJobCompleted))
	assert.Equal(t, 0, countEvents(evs, models.EventJobFailed))

	last := evs[len(evs)-1]
	assert.Equal(t, models.EventJobCancelled, last.EventType)
	assert.Equal(t, "cancelled by user", last.Payload["reason"])

	// The live stream drains to the same terminal event and closes.
	streamed := app.AwaitSSE(sse)
	requireContiguousSeq(t, streamed)
	assert.Equal(t, models.EventJobCancelled, streamed[len(streamed)-1].EventType)
}
