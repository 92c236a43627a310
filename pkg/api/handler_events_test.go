package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// createCancelledJob submits a github job and cancels it, which leaves
// a terminal job with one card.cancelled event per card plus the final
// job.cancelled event.
func createCancelledJob(t *testing.T, h *apiHarness) (string, int) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"source": "github",
		"input":  map[string]string{"handle": "octocat"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeJSON[CreateJobResponse](t, rec).JobID

	rec = h.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cards := len(decodeJSON[models.JobSnapshot](t, rec).Cards)

	rec = h.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	return jobID, cards + 1
}

func TestListEventsEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)
	jobID, want := createCancelledJob(t, h)

	rec := h.do(t, http.MethodGet, "/api/v1/jobs/"+jobID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeJSON[EventsResponse](t, rec)
	assert.Equal(t, jobID, resp.JobID)
	require.Len(t, resp.Events, want)
	for i, ev := range resp.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, models.EventJobCancelled, resp.Events[want-1].EventType)
}

func TestListEventsEndpointPaging(t *testing.T) {
	h := newAPIHarness(t, nil)
	jobID, want := createCancelledJob(t, h)

	var got []int64
	after := int64(0)
	for {
		target := fmt.Sprintf("/api/v1/jobs/%s/events?after_seq=%d&limit=4", jobID, after)
		rec := h.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decodeJSON[EventsResponse](t, rec)
		if len(page.Events) == 0 {
			break
		}
		for _, ev := range page.Events {
			got = append(got, ev.Seq)
		}
		require.LessOrEqual(t, len(page.Events), 4)
		after = page.Events[len(page.Events)-1].Seq
	}

	require.Len(t, got, want)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestListEventsEndpointBadParams(t *testing.T) {
	h := newAPIHarness(t, nil)
	jobID, _ := createCancelledJob(t, h)

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"negative after_seq", "/api/v1/jobs/" + jobID + "/events?after_seq=-1", http.StatusBadRequest},
		{"non-numeric after_seq", "/api/v1/jobs/" + jobID + "/events?after_seq=abc", http.StatusBadRequest},
		{"zero limit", "/api/v1/jobs/" + jobID + "/events?limit=0", http.StatusBadRequest},
		{"unknown job", "/api/v1/jobs/nope/events", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}
