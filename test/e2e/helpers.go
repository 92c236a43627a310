package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/api"
	"github.com/mosaiclabs/mosaic/pkg/models"
)

const (
	waitTimeout  = 30 * time.Second
	waitInterval = 50 * time.Millisecond
)

// postJSON posts a JSON body to the app and decodes the response into
// out when out is non-nil.
func (app *TestApp) postJSON(path string, body any, wantStatus int, out any) {
	app.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(app.t, err)

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodPost, app.BaseURL+path, bytes.NewReader(payload))
	require.NoError(app.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	require.Equal(app.t, wantStatus, resp.StatusCode, "POST %s: unexpected status, body: %s", path, raw)
	if out != nil {
		require.NoError(app.t, json.Unmarshal(raw, out), "POST %s: undecodable body: %s", path, raw)
	}
}

// getJSON fetches a path from the app and decodes the response into
// out when out is non-nil.
func (app *TestApp) getJSON(path string, wantStatus int, out any) {
	app.t.Helper()
	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodGet, app.BaseURL+path, nil)
	require.NoError(app.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	require.Equal(app.t, wantStatus, resp.StatusCode, "GET %s: unexpected status, body: %s", path, raw)
	if out != nil {
		require.NoError(app.t, json.Unmarshal(raw, out), "GET %s: undecodable body: %s", path, raw)
	}
}

// SubmitJob creates a job over the API and returns its id.
func (app *TestApp) SubmitJob(source string, input map[string]string) string {
	app.t.Helper()
	var resp api.CreateJobResponse
	app.postJSON("/api/v1/jobs", api.CreateJobRequest{Source: source, Input: input},
		http.StatusAccepted, &resp)
	require.NotEmpty(app.t, resp.JobID)
	require.Equal(app.t, "queued", resp.Status)
	return resp.JobID
}

// CancelJob requests cancellation over the API. The 202 only means the
// request was accepted; callers wait for the terminal status.
func (app *TestApp) CancelJob(jobID string) {
	app.t.Helper()
	app.postJSON("/api/v1/jobs/"+jobID+"/cancel", struct{}{}, http.StatusAccepted, nil)
}

// Snapshot fetches the job snapshot over the API.
func (app *TestApp) Snapshot(jobID string) *models.JobSnapshot {
	app.t.Helper()
	snap := &models.JobSnapshot{}
	app.getJSON("/api/v1/jobs/"+jobID, http.StatusOK, snap)
	return snap
}

// JobEvents fetches the full persisted event log over the API.
func (app *TestApp) JobEvents(jobID string) []*models.JobEvent {
	return app.JobEventsAfter(jobID, 0)
}

// JobEventsAfter fetches the persisted log after a sequence number.
func (app *TestApp) JobEventsAfter(jobID string, afterSeq int64) []*models.JobEvent {
	app.t.Helper()
	var resp api.EventsResponse
	app.getJSON(fmt.Sprintf("/api/v1/jobs/%s/events?after_seq=%d", jobID, afterSeq),
		http.StatusOK, &resp)
	return resp.Events
}

// CardByType reads a card row from the store.
func (app *TestApp) CardByType(jobID, cardType string) *models.Card {
	app.t.Helper()
	card, err := app.Jobs.GetCardByType(context.Background(), jobID, cardType)
	require.NoError(app.t, err)
	return card
}

// WaitForJobStatus polls until the job reaches the wanted status,
// failing fast when it lands on a different terminal one.
func (app *TestApp) WaitForJobStatus(jobID string, want models.JobStatus) *models.Job {
	app.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	last := models.JobStatus("")
	for time.Now().Before(deadline) {
		job, err := app.Jobs.GetJob(context.Background(), jobID)
		require.NoError(app.t, err)
		last = job.Status
		if job.Status == want {
			return job
		}
		if job.Status.Terminal() {
			app.t.Fatalf("job %s reached terminal status %s, wanted %s", jobID, job.Status, want)
		}
		time.Sleep(waitInterval)
	}
	app.t.Fatalf("job %s did not reach status %s within %s (last: %s)", jobID, want, waitTimeout, last)
	return nil
}

// WaitForCardStatus polls until the job's card of the given type
// reaches the wanted status.
func (app *TestApp) WaitForCardStatus(jobID, cardType string, want models.CardStatus) *models.Card {
	app.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	last := models.CardStatus("")
	for time.Now().Before(deadline) {
		card, err := app.Jobs.GetCardByType(context.Background(), jobID, cardType)
		require.NoError(app.t, err)
		last = card.Status
		if card.Status == want {
			return card
		}
		if card.Status.Terminal() {
			app.t.Fatalf("card %s of job %s reached terminal status %s, wanted %s",
				cardType, jobID, card.Status, want)
		}
		time.Sleep(waitInterval)
	}
	app.t.Fatalf("card %s of job %s did not reach status %s within %s (last: %s)",
		cardType, jobID, want, waitTimeout, last)
	return nil
}

// streamResult is what an SSE reader goroutine hands back when the
// server closes the stream.
type streamResult struct {
	Events []*models.JobEvent
	Err    error
}

// OpenSSE subscribes to the job's SSE stream and reads it in the
// background until the server closes it. Subscribing happens before
// return, so events published afterwards cannot be missed.
func (app *TestApp) OpenSSE(jobID string, afterSeq int64) <-chan streamResult {
	app.t.Helper()
	url := fmt.Sprintf("%s/api/v1/jobs/%s/stream?after_seq=%d", app.BaseURL, jobID, afterSeq)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(app.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	require.Equal(app.t, http.StatusOK, resp.StatusCode, "GET %s: unexpected status", url)

	ch := make(chan streamResult, 1)
	go func() {
		defer func() { _ = resp.Body.Close() }()
		evs, err := parseSSE(resp.Body)
		ch <- streamResult{Events: evs, Err: err}
	}()
	return ch
}

// StreamEvents reads the job's SSE stream to completion and returns
// the events in delivery order.
func (app *TestApp) StreamEvents(jobID string, afterSeq int64) []*models.JobEvent {
	app.t.Helper()
	return app.AwaitSSE(app.OpenSSE(jobID, afterSeq))
}

// AwaitSSE waits for an SSE reader to finish and returns its events.
func (app *TestApp) AwaitSSE(ch <-chan streamResult) []*models.JobEvent {
	app.t.Helper()
	select {
	case res := <-ch:
		require.NoError(app.t, res.Err)
		return res.Events
	case <-time.After(waitTimeout):
		app.t.Fatalf("SSE stream did not close within %s", waitTimeout)
		return nil
	}
}

// parseSSE decodes "event:"/"data:" frames into job events, skipping
// heartbeat comments, until the body ends.
func parseSSE(body io.Reader) ([]*models.JobEvent, error) {
	var events []*models.JobEvent
	var data []byte

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			ev := &models.JobEvent{}
			if err := json.Unmarshal(data, ev); err != nil {
				return events, fmt.Errorf("undecodable SSE data %q: %w", data, err)
			}
			events = append(events, ev)
			data = nil
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[len("data: "):]...)
		}
	}
	return events, scanner.Err()
}

// requireContiguousSeq asserts the events carry exactly seq 1..N in
// order: no gaps, no duplicates.
func requireContiguousSeq(t *testing.T, evs []*models.JobEvent) {
	t.Helper()
	requireContiguousFrom(t, evs, 1)
}

// requireContiguousFrom asserts the events carry consecutive sequence
// numbers starting at from.
func requireContiguousFrom(t *testing.T, evs []*models.JobEvent, from int64) {
	t.Helper()
	for i, ev := range evs {
		require.Equal(t, from+int64(i), ev.Seq,
			"event %d (%s) out of sequence", i, ev.EventType)
	}
}

// eventTypes projects the event type of each event, in order.
func eventTypes(evs []*models.JobEvent) []models.EventType {
	types := make([]models.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.EventType
	}
	return types
}

// filterEvents returns the events of one type, in order.
func filterEvents(evs []*models.JobEvent, eventType models.EventType) []*models.JobEvent {
	var out []*models.JobEvent
	for _, ev := range evs {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// countEvents returns how many events have the given type.
func countEvents(evs []*models.JobEvent, eventType models.EventType) int {
	return len(filterEvents(evs, eventType))
}

// cardEvents returns the events whose payload routes to the card.
func cardEvents(evs []*models.JobEvent, card string) []*models.JobEvent {
	var out []*models.JobEvent
	for _, ev := range evs {
		if ev.Payload["card"] == card {
			out = append(out, ev)
		}
	}
	return out
}

// firstEvent returns the first event of a type routed to a card, or
// nil.
func firstEvent(evs []*models.JobEvent, eventType models.EventType, card string) *models.JobEvent {
	for _, ev := range evs {
		if ev.EventType == eventType && ev.Payload["card"] == card {
			return ev
		}
	}
	return nil
}

// reassembleDeltas concatenates one card's delta fragments per section
// in emission order.
func reassembleDeltas(evs []*models.JobEvent, card string) map[string]string {
	sections := map[string]string{}
	for _, ev := range evs {
		if ev.EventType != models.EventCardDelta || ev.Payload["card"] != card {
			continue
		}
		section, _ := ev.Payload["section"].(string)
		delta, _ := ev.Payload["delta"].(string)
		sections[section] += delta
	}
	return sections
}
