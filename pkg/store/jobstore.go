package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// ErrStale is returned when a transition guard does not match the
// current row state, e.g. completing a card that is no longer running.
// Callers treat it as a benign lost race.
var ErrStale = errors.New("stale transition")

const jobColumns = `id, source, status, subject_key, user_id, input, options,
	error_kind, error_message, created_at, started_at, finished_at`

const cardColumns = `id, job_id, card_type, status, depends_on, priority,
	concurrency_group, input, output, error_kind, error_message, attempt_count,
	claimed_by, last_heartbeat_at, created_at, started_at, finished_at`

// JobStore owns job and card rows. Every scheduler state transition
// goes through it; transition methods with a Tx suffix run inside a
// caller transaction so they can be atomic with event appends.
type JobStore struct {
	db    *sql.DB
	clock models.Clock
}

// NewJobStore creates a job store.
func NewJobStore(db *sql.DB, clock models.Clock) *JobStore {
	return &JobStore{db: db, clock: clock}
}

// JobCompletion is the outcome of a job terminality check.
type JobCompletion struct {
	Done         bool
	Status       models.JobStatus
	ErrorKind    models.ErrorKind
	ErrorMessage string
}

// CreateJob inserts a pending job and all its planned cards in one
// transaction. Cards without dependencies start ready.
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job, cards []*models.Card) error {
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.insertJobTx(ctx, tx, job); err != nil {
			return err
		}
		return s.CreateCardsTx(ctx, tx, cards)
	})
}

func (s *JobStore) insertJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	inputJSON, err := marshalAny(job.Input)
	if err != nil {
		return err
	}
	optionsJSON, err := marshalMap(job.Options)
	if err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, source, status, subject_key, user_id, input, options, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Source, job.Status, job.SubjectKey, job.UserID, inputJSON, optionsJSON, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// CreateCardsTx appends cards to a job. Creation timestamps are spaced
// a microsecond apart so plan order breaks priority ties during claims.
// Cards with an empty dependency list start ready.
func (s *JobStore) CreateCardsTx(ctx context.Context, tx *sql.Tx, cards []*models.Card) error {
	base := s.clock.Now().UTC()
	for i, card := range cards {
		if card.Status == "" {
			if len(card.DependsOn) == 0 {
				card.Status = models.CardStatusReady
			} else {
				card.Status = models.CardStatusPending
			}
		}
		if card.CreatedAt.IsZero() {
			card.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		}

		dependsJSON, err := marshalAny(card.DependsOn)
		if err != nil {
			return err
		}
		inputJSON, err := marshalMap(card.Input)
		if err != nil {
			return err
		}
		outputJSON, err := marshalCardOutput(card.Output)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cards (id, job_id, card_type, status, depends_on, priority,
			                    concurrency_group, input, output, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			card.ID, card.JobID, card.CardType, card.Status, dependsJSON, card.Priority,
			card.ConcurrencyGroup, inputJSON, outputJSON, card.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert card %s: %w", card.CardType, err)
		}
	}
	return nil
}

// CreateCards appends deferred refinement cards outside any caller
// transaction.
func (s *JobStore) CreateCards(ctx context.Context, cards []*models.Card) error {
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.CreateCardsTx(ctx, tx, cards)
	})
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// ListCards returns all cards of a job in creation order.
func (s *JobStore) ListCards(ctx context.Context, jobID string) ([]*models.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCards(rows)
}

// GetCard fetches a card by id.
func (s *JobStore) GetCard(ctx context.Context, id string) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE id = $1`, id)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return card, nil
}

// GetCardByType fetches one card of a job by its card type.
func (s *JobStore) GetCardByType(ctx context.Context, jobID, cardType string) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE job_id = $1 AND card_type = $2`, jobID, cardType)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s/%s: %w", jobID, cardType, ErrNotFound)
		}
		return nil, err
	}
	return card, nil
}

// Snapshot returns the job, its cards, and the last event seq in one
// consistent transaction, so a client can resume streaming from
// LastSeq without missing events.
func (s *JobStore) Snapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	var snap models.JobSnapshot
	err := WithTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return err
		}
		snap.Job = job

		rows, err := tx.QueryContext(ctx,
			`SELECT `+cardColumns+` FROM cards WHERE job_id = $1 ORDER BY created_at, id`, jobID)
		if err != nil {
			return fmt.Errorf("failed to list cards: %w", err)
		}
		defer func() { _ = rows.Close() }()
		snap.Cards, err = scanCardsValues(rows)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM job_events WHERE job_id = $1`, jobID).
			Scan(&snap.LastSeq)
		if err != nil {
			return fmt.Errorf("failed to read last seq: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// FindRecentCompletedJob returns the newest completed job for the same
// subject within maxAge, or ErrNotFound.
func (s *JobStore) FindRecentCompletedJob(ctx context.Context, source, subjectKey string, maxAge time.Duration) (*models.Job, error) {
	cutoff := s.clock.Now().UTC().Add(-maxAge)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE source = $1 AND subject_key = $2 AND status = 'completed' AND finished_at > $3
		 ORDER BY finished_at DESC LIMIT 1`,
		source, subjectKey, cutoff)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ClaimReadyCards atomically claims up to limit ready cards for a
// worker, ordered by (priority asc, created_at asc), honoring
// per-group concurrency caps across all jobs. Capped-out candidates
// stay ready and the returned set shrinks; conflicts with concurrent
// claimers are skipped via SKIP LOCKED.
func (s *JobStore) ClaimReadyCards(ctx context.Context, workerID string, caps map[string]int, limit int) ([]*models.Card, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*models.Card
	err := WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// Over-fetch so a saturated group does not starve claimable
		// cards sorted behind it.
		rows, err := tx.QueryContext(ctx,
			`SELECT `+prefixColumns("c", cardColumns)+`
			 FROM cards c
			 JOIN jobs j ON j.id = c.job_id
			 WHERE c.status = 'ready' AND j.status IN ('pending', 'running')
			 ORDER BY c.priority ASC, c.created_at ASC, c.id ASC
			 LIMIT $1
			 FOR UPDATE OF c SKIP LOCKED`,
			limit*4)
		if err != nil {
			return fmt.Errorf("failed to select ready cards: %w", err)
		}
		candidates, err := scanCardsCollect(rows)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		// Serialize cap accounting per group with advisory locks held to
		// commit, so concurrent claimers cannot both spend the last slot.
		// Locks are taken in sorted order to avoid lock-order inversion.
		var groups []string
		seen := map[string]bool{}
		for _, c := range candidates {
			if c.ConcurrencyGroup == "" || caps[c.ConcurrencyGroup] <= 0 || seen[c.ConcurrencyGroup] {
				continue
			}
			seen[c.ConcurrencyGroup] = true
			groups = append(groups, c.ConcurrencyGroup)
		}
		sort.Strings(groups)
		for _, g := range groups {
			if _, err := tx.ExecContext(ctx,
				`SELECT pg_advisory_xact_lock(hashtext('cap'), hashtext($1))`, g); err != nil {
				return fmt.Errorf("failed to lock group %s: %w", g, err)
			}
		}

		running, err := s.runningPerGroupTx(ctx, tx)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		for _, card := range candidates {
			if len(claimed) >= limit {
				break
			}
			if groupCap := caps[card.ConcurrencyGroup]; groupCap > 0 && running[card.ConcurrencyGroup] >= groupCap {
				continue
			}

			_, err := tx.ExecContext(ctx,
				`UPDATE cards
				 SET status = 'running', claimed_by = $1, last_heartbeat_at = $2,
				     started_at = COALESCE(started_at, $2), attempt_count = attempt_count + 1
				 WHERE id = $3`,
				workerID, now, card.ID)
			if err != nil {
				return fmt.Errorf("failed to claim card %s: %w", card.ID, err)
			}

			card.Status = models.CardStatusRunning
			card.ClaimedBy = workerID
			card.LastHeartbeatAt = &now
			if card.StartedAt == nil {
				card.StartedAt = &now
			}
			card.AttemptCount++
			if card.ConcurrencyGroup != "" {
				running[card.ConcurrencyGroup]++
			}
			claimed = append(claimed, card)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *JobStore) runningPerGroupTx(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT concurrency_group, COUNT(*)
		 FROM cards
		 WHERE status = 'running' AND concurrency_group <> ''
		 GROUP BY concurrency_group`)
	if err != nil {
		return nil, fmt.Errorf("failed to count running cards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var group string
		var n int
		if err := rows.Scan(&group, &n); err != nil {
			return nil, fmt.Errorf("failed to scan group count: %w", err)
		}
		counts[group] = n
	}
	return counts, rows.Err()
}

// Heartbeat refreshes the liveness timestamp of the worker's running
// cards.
func (s *JobStore) Heartbeat(ctx context.Context, workerID string, cardIDs []string) error {
	if len(cardIDs) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, id := range cardIDs {
			_, err := tx.ExecContext(ctx,
				`UPDATE cards SET last_heartbeat_at = $1
				 WHERE id = $2 AND claimed_by = $3 AND status = 'running'`,
				now, id, workerID)
			if err != nil {
				return fmt.Errorf("failed to heartbeat card %s: %w", id, err)
			}
		}
		return nil
	})
}

// IncrementAttempt bumps the attempt counter of a running card for an
// in-worker retry and returns the new count.
func (s *JobStore) IncrementAttempt(ctx context.Context, cardID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE cards SET attempt_count = attempt_count + 1
		 WHERE id = $1 AND status = 'running'
		 RETURNING attempt_count`, cardID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("card %s: %w", cardID, ErrStale)
		}
		return 0, fmt.Errorf("failed to increment attempt: %w", err)
	}
	return attempts, nil
}

// ReclaimOrphans handles running cards whose heartbeat went stale:
// cards with attempts left are requeued as ready; exhausted cards are
// returned untouched so the caller can fail them through the normal
// event-emitting path.
func (s *JobStore) ReclaimOrphans(ctx context.Context, olderThan time.Duration, maxAttempts int) (requeued, exhausted []*models.Card, err error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	err = WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+prefixColumns("c", cardColumns)+`
			 FROM cards c
			 JOIN jobs j ON j.id = c.job_id
			 WHERE c.status = 'running'
			   AND (c.last_heartbeat_at IS NULL OR c.last_heartbeat_at < $1)
			 ORDER BY c.created_at
			 FOR UPDATE OF c SKIP LOCKED`,
			cutoff)
		if err != nil {
			return fmt.Errorf("failed to select orphaned cards: %w", err)
		}
		orphans, err := scanCardsCollect(rows)
		if err != nil {
			return err
		}

		for _, card := range orphans {
			if card.AttemptCount >= maxAttempts {
				exhausted = append(exhausted, card)
				continue
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE cards
				 SET status = 'ready', claimed_by = '', last_heartbeat_at = NULL, started_at = NULL
				 WHERE id = $1`, card.ID)
			if err != nil {
				return fmt.Errorf("failed to requeue orphan %s: %w", card.ID, err)
			}
			card.Status = models.CardStatusReady
			card.ClaimedBy = ""
			card.LastHeartbeatAt = nil
			card.StartedAt = nil
			requeued = append(requeued, card)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return requeued, exhausted, nil
}

// CompleteCardTx transitions a running card to completed, merging its
// own output on top of any prefilled data (the card's data wins per
// key), and returns the merged envelope.
func (s *JobStore) CompleteCardTx(ctx context.Context, tx *sql.Tx, cardID string, output *models.CardOutput) (*models.CardOutput, error) {
	prev, err := s.lockCardOutputTx(ctx, tx, cardID, models.CardStatusRunning)
	if err != nil {
		return nil, err
	}

	merged := prev.Merge(output)
	mergedJSON, err := marshalCardOutput(merged)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cards
		 SET status = 'completed', output = $1, error_kind = '', error_message = '', finished_at = $2
		 WHERE id = $3`,
		mergedJSON, s.clock.Now().UTC(), cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete card: %w", err)
	}
	return merged, nil
}

// RecompleteCardTx merges refined output into an already-completed
// card and returns it. Used by background refinements; the caller
// emits a second completion event with the merged envelope.
func (s *JobStore) RecompleteCardTx(ctx context.Context, tx *sql.Tx, jobID, cardType string, output *models.CardOutput) (*models.Card, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE job_id = $1 AND card_type = $2 AND status = 'completed'
		 FOR UPDATE`,
		jobID, cardType)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s/%s not completed: %w", jobID, cardType, ErrStale)
		}
		return nil, fmt.Errorf("failed to lock card output: %w", err)
	}

	merged := card.Output.Merge(output)
	mergedJSON, err := marshalCardOutput(merged)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cards SET output = $1 WHERE id = $2`, mergedJSON, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to recomplete card: %w", err)
	}
	card.Output = merged
	return card, nil
}

// FailCardTx transitions a running card to failed.
func (s *JobStore) FailCardTx(ctx context.Context, tx *sql.Tx, cardID string, kind models.ErrorKind, msg string) error {
	return s.finishCardTx(ctx, tx, cardID, models.CardStatusFailed, kind, msg)
}

// CancelCardTx transitions a running card to cancelled.
func (s *JobStore) CancelCardTx(ctx context.Context, tx *sql.Tx, cardID string) error {
	return s.finishCardTx(ctx, tx, cardID, models.CardStatusCancelled, models.ErrKindCancelled, "job cancelled")
}

func (s *JobStore) finishCardTx(ctx context.Context, tx *sql.Tx, cardID string, status models.CardStatus, kind models.ErrorKind, msg string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE cards
		 SET status = $1, error_kind = $2, error_message = $3, finished_at = $4
		 WHERE id = $5 AND status = 'running'`,
		status, kind, msg, s.clock.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("failed to finish card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("card %s not running: %w", cardID, ErrStale)
	}
	return nil
}

// ApplyPrefillTx merges a prefill payload into the target card's
// persisted output before the card runs. Later prefills win per key;
// the card's own completion always wins over prefilled data. Returns
// the target card.
func (s *JobStore) ApplyPrefillTx(ctx context.Context, tx *sql.Tx, jobID, cardType string, prefill *models.CardOutput) (*models.Card, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE job_id = $1 AND card_type = $2
		 FOR UPDATE`,
		jobID, cardType)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s/%s: %w", jobID, cardType, ErrNotFound)
		}
		return nil, err
	}
	if card.Status.Terminal() {
		return nil, fmt.Errorf("card %s/%s already terminal: %w", jobID, cardType, ErrStale)
	}

	merged := card.Output.Merge(prefill)
	mergedJSON, err := marshalCardOutput(merged)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE cards SET output = $1 WHERE id = $2`, mergedJSON, card.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply prefill: %w", err)
	}
	card.Output = merged
	return card, nil
}

// PromoteReadyCardsTx re-evaluates pending cards of a job after a
// terminal card transition. A card becomes ready when every required
// dependency completed and every optional dependency is terminal; it
// cascades to skipped when a required dependency failed, cancelled, or
// was itself skipped. Returns both sets so the caller can emit events
// for the skipped cards.
func (s *JobStore) PromoteReadyCardsTx(ctx context.Context, tx *sql.Tx, jobID string) (promoted, skipped []*models.Card, err error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE job_id = $1 AND status = 'pending'
		 ORDER BY created_at, id
		 FOR UPDATE`,
		jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select pending cards: %w", err)
	}
	pending, err := scanCardsCollect(rows)
	if err != nil {
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	type depState struct {
		status models.CardStatus
		kind   models.ErrorKind
	}
	states := map[string]depState{}
	stateRows, err := tx.QueryContext(ctx,
		`SELECT card_type, status, error_kind FROM cards WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read card states: %w", err)
	}
	defer func() { _ = stateRows.Close() }()
	for stateRows.Next() {
		var cardType string
		var st depState
		if err := stateRows.Scan(&cardType, &st.status, &st.kind); err != nil {
			return nil, nil, fmt.Errorf("failed to scan card state: %w", err)
		}
		states[cardType] = st
	}
	if err := stateRows.Err(); err != nil {
		return nil, nil, err
	}

	now := s.clock.Now().UTC()

	// Skips unblock or cascade further, so iterate to a fixpoint.
	for changed := true; changed; {
		changed = false
		for _, card := range pending {
			if card.Status != models.CardStatusPending {
				continue
			}

			ready := true
			var blockedBy *models.CardDep
			var blockedState depState
			for i, dep := range card.DependsOn {
				st, ok := states[dep.CardType]
				if !ok {
					// Dangling edge; treat as a failed requirement.
					st = depState{status: models.CardStatusFailed, kind: models.ErrKindInternal}
				}
				switch {
				case st.status == models.CardStatusCompleted:
					// satisfied
				case dep.Optional && st.status.Terminal():
					// resolved, outcome irrelevant
				case !dep.Optional && st.status.Terminal():
					blockedBy = &card.DependsOn[i]
					blockedState = st
					ready = false
				default:
					ready = false
				}
				if blockedBy != nil {
					break
				}
			}

			switch {
			case blockedBy != nil:
				kind := blockedState.kind
				if kind == "" {
					kind = models.ErrKindInternal
				}
				msg := fmt.Sprintf("required dependency %s %s", blockedBy.CardType, blockedState.status)
				_, err := tx.ExecContext(ctx,
					`UPDATE cards SET status = 'skipped', error_kind = $1, error_message = $2, finished_at = $3
					 WHERE id = $4`,
					kind, msg, now, card.ID)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to skip card %s: %w", card.CardType, err)
				}
				card.Status = models.CardStatusSkipped
				card.ErrorKind = kind
				card.ErrorMessage = msg
				states[card.CardType] = depState{status: models.CardStatusSkipped, kind: kind}
				skipped = append(skipped, card)
				changed = true

			case ready:
				_, err := tx.ExecContext(ctx,
					`UPDATE cards SET status = 'ready' WHERE id = $1`, card.ID)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to promote card %s: %w", card.CardType, err)
				}
				card.Status = models.CardStatusReady
				states[card.CardType] = depState{status: models.CardStatusReady}
				promoted = append(promoted, card)
			}
		}
	}
	return promoted, skipped, nil
}

// PromoteReadyCards runs the promotion pass in its own transaction.
// Used on startup recovery; normal promotion rides the completion tx.
func (s *JobStore) PromoteReadyCards(ctx context.Context, jobID string) (promoted, skipped []*models.Card, err error) {
	err = WithTx(ctx, s.db, func(tx *sql.Tx) error {
		promoted, skipped, err = s.PromoteReadyCardsTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return promoted, skipped, nil
}

// CancelPendingCardsTx cancels every pending or ready card of a job
// and returns them for event emission.
func (s *JobStore) CancelPendingCardsTx(ctx context.Context, tx *sql.Tx, jobID string) ([]*models.Card, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE job_id = $1 AND status IN ('pending', 'ready')
		 ORDER BY created_at, id
		 FOR UPDATE`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to select cancellable cards: %w", err)
	}
	cards, err := scanCardsCollect(rows)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	for _, card := range cards {
		_, err := tx.ExecContext(ctx,
			`UPDATE cards SET status = 'cancelled', error_kind = $1, error_message = 'job cancelled', finished_at = $2
			 WHERE id = $3`,
			models.ErrKindCancelled, now, card.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel card %s: %w", card.CardType, err)
		}
		card.Status = models.CardStatusCancelled
		card.ErrorKind = models.ErrKindCancelled
	}
	return cards, nil
}

// MarkJobRunningTx moves a pending job to running. Returns whether
// this call performed the transition; exactly one caller wins it, and
// that caller owns emitting job.started.
func (s *JobStore) MarkJobRunningTx(ctx context.Context, tx *sql.Tx, jobID string) (bool, error) {
	now := s.clock.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, $1)
		 WHERE id = $2 AND status = 'pending'`,
		now, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CancelJobTx flips a live job to cancelled status. The terminal
// job.cancelled event is emitted later, once every card is terminal.
// Returns false when the job was already terminal.
func (s *JobStore) CancelJobTx(ctx context.Context, tx *sql.Tx, jobID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled'
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		jobID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// CheckJobDoneTx reports whether every foreground card of the job is
// terminal and, if so, the terminal job status. Background cards
// (priority > 0) never hold the job open.
func (s *JobStore) CheckJobDoneTx(ctx context.Context, tx *sql.Tx, jobID string) (*JobCompletion, error) {
	var jobStatus models.JobStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&jobStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read job status: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT card_type, status, priority, error_kind, error_message
		 FROM cards WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read card statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	comp := &JobCompletion{Done: true, Status: models.JobStatusCompleted}
	for rows.Next() {
		var (
			cardType string
			status   models.CardStatus
			priority int
			kind     models.ErrorKind
			msg      string
		)
		if err := rows.Scan(&cardType, &status, &priority, &kind, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan card status: %w", err)
		}
		if priority > 0 {
			continue
		}
		if !status.Terminal() {
			comp.Done = false
		}
		// The job fails exactly when the terminal aggregation card
		// could not complete; partial card failures still yield a
		// usable report.
		if cardType == models.FullReportCardType && status == models.CardStatusFailed {
			comp.Status = models.JobStatusFailed
			comp.ErrorKind = kind
			comp.ErrorMessage = msg
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if jobStatus == models.JobStatusCancelled {
		comp.Status = models.JobStatusCancelled
		comp.ErrorKind = models.ErrKindCancelled
		comp.ErrorMessage = ""
	}
	return comp, nil
}

// FinishJobTx records the terminal job state. finished_at doubles as
// the emitted-terminal-event guard: exactly one caller wins the update
// and owns emitting the job.* event. Returns whether this caller won.
func (s *JobStore) FinishJobTx(ctx context.Context, tx *sql.Tx, jobID string, status models.JobStatus, kind models.ErrorKind, msg string) (bool, error) {
	now := s.clock.Now().UTC()
	var res sql.Result
	var err error
	if status == models.JobStatusCancelled {
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET error_kind = $1, error_message = $2, finished_at = $3
			 WHERE id = $4 AND status = 'cancelled' AND finished_at IS NULL`,
			kind, msg, now, jobID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = $1, error_kind = $2, error_message = $3, finished_at = $4
			 WHERE id = $5 AND status IN ('pending', 'running') AND finished_at IS NULL`,
			status, kind, msg, now, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteJobsOlderThan removes terminal jobs finished before the cutoff.
// Cards, artifacts, and events cascade.
func (s *JobStore) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE finished_at IS NOT NULL AND finished_at < $1
		   AND status IN ('completed', 'failed', 'cancelled')`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (s *JobStore) lockCardOutputTx(ctx context.Context, tx *sql.Tx, cardID string, want models.CardStatus) (*models.CardOutput, error) {
	var outputRaw []byte
	var status models.CardStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status, output FROM cards WHERE id = $1 FOR UPDATE`, cardID).
		Scan(&status, &outputRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s: %w", cardID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock card: %w", err)
	}
	if status != want {
		return nil, fmt.Errorf("card %s is %s: %w", cardID, status, ErrStale)
	}
	return unmarshalCardOutput(outputRaw)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                 models.Job
		inputRaw, optsRaw   []byte
		startedAt, finished sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Source, &job.Status, &job.SubjectKey, &job.UserID,
		&inputRaw, &optsRaw, &job.ErrorKind, &job.ErrorMessage,
		&job.CreatedAt, &startedAt, &finished)
	if err != nil {
		return nil, err
	}

	if len(inputRaw) > 0 {
		if err := json.Unmarshal(inputRaw, &job.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job input: %w", err)
		}
	}
	job.Options, err = unmarshalMap(optsRaw)
	if err != nil {
		return nil, err
	}
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finished)
	return &job, nil
}

func scanCard(row rowScanner) (*models.Card, error) {
	var (
		card                            models.Card
		dependsRaw, inputRaw, outputRaw []byte
		heartbeat, startedAt, finished  sql.NullTime
	)
	err := row.Scan(&card.ID, &card.JobID, &card.CardType, &card.Status, &dependsRaw,
		&card.Priority, &card.ConcurrencyGroup, &inputRaw, &outputRaw,
		&card.ErrorKind, &card.ErrorMessage, &card.AttemptCount, &card.ClaimedBy,
		&heartbeat, &card.CreatedAt, &startedAt, &finished)
	if err != nil {
		return nil, err
	}

	if len(dependsRaw) > 0 {
		if err := json.Unmarshal(dependsRaw, &card.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
		}
	}
	card.Input, err = unmarshalMap(inputRaw)
	if err != nil {
		return nil, err
	}
	card.Output, err = unmarshalCardOutput(outputRaw)
	if err != nil {
		return nil, err
	}
	card.LastHeartbeatAt = timePtr(heartbeat)
	card.StartedAt = timePtr(startedAt)
	card.FinishedAt = timePtr(finished)
	return &card, nil
}

func scanCards(rows *sql.Rows) ([]*models.Card, error) {
	var cards []*models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// scanCardsCollect closes rows after draining; convenience for claim
// paths that fetch then update.
func scanCardsCollect(rows *sql.Rows) ([]*models.Card, error) {
	defer func() { _ = rows.Close() }()
	return scanCards(rows)
}

func scanCardsValues(rows *sql.Rows) ([]models.Card, error) {
	ptrs, err := scanCards(rows)
	if err != nil {
		return nil, err
	}
	cards := make([]models.Card, 0, len(ptrs))
	for _, c := range ptrs {
		cards = append(cards, *c)
	}
	return cards, nil
}

func marshalCardOutput(out *models.CardOutput) ([]byte, error) {
	if out == nil {
		return nil, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal card output: %w", err)
	}
	return data, nil
}

func unmarshalCardOutput(raw []byte) (*models.CardOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out models.CardOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal card output: %w", err)
	}
	return &out, nil
}

// prefixColumns qualifies a comma-separated column list with a table
// alias for joined queries.
func prefixColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
