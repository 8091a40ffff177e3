package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitionsAreMonotonic(t *testing.T) {
	j := New(KindConfigure)
	require.Equal(t, StateQueued, j.Snapshot().State)

	j.MarkRunning("finding environment")
	snap := j.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "finding environment", snap.Message)

	j.SetStatus("configuring 3 nodes")
	assert.Equal(t, "configuring 3 nodes", j.Snapshot().Message)

	j.Succeed("finished on 3 nodes")
	snap = j.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, "finished on 3 nodes", snap.Message)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	j := New(KindDestroy)
	j.MarkRunning("working")
	j.Fail(errors.New("node unreachable"))

	snap := j.Snapshot()
	require.Equal(t, StateFailed, snap.State)
	require.Equal(t, "node unreachable", snap.Result.Err)

	// Terminal transitions are idempotent, not errors: cleanup paths may
	// attempt them twice.
	j.Succeed("should not apply")
	j.Fail(errors.New("should not apply either"))
	j.MarkRunning("nope")
	j.SetStatus("nope")

	snap = j.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "node unreachable", snap.Message)
}

func TestJobDoneChannelClosesOnce(t *testing.T) {
	j := New(KindBootstrap)

	select {
	case <-j.Done():
		t.Fatal("done channel closed before terminal state")
	default:
	}

	j.Succeed("ok")
	j.Succeed("ok again")

	select {
	case <-j.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after terminal transition")
	}
}

func TestSetResultRecordsCounts(t *testing.T) {
	j := New(KindConfigure)
	j.MarkRunning("fan-out")
	j.SetResult(Result{SuccessCount: 2, FailureCount: 1, FailedUnits: []string{"node-3"}})
	j.Fail(errors.New("failed on 1 of 3 nodes"))

	snap := j.Snapshot()
	assert.Equal(t, 2, snap.Result.SuccessCount)
	assert.Equal(t, 1, snap.Result.FailureCount)
	assert.Equal(t, []string{"node-3"}, snap.Result.FailedUnits)
	assert.Equal(t, "failed on 1 of 3 nodes", snap.Result.Err)
}

func TestRegistrySubmitAndResolve(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	j, ticket := r.Submit(KindConfigure)
	require.NotEmpty(t, ticket.ID)
	assert.NotEqual(t, j.ID(), ticket.ID, "ticket id is distinct from job id")

	status, err := ticket.Status()
	require.NoError(t, err)
	assert.Equal(t, StateQueued, status.State)
	assert.Equal(t, j.ID(), status.JobID)
}

func TestRegistryFindUnknownTicket(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	_, err := r.Find("no-such-ticket")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestRegistryRetentionWindow(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	defer r.Close()

	j, ticket := r.Submit(KindDestroy)
	j.Succeed("done")
	r.Terminate(ticket.ID)

	// Still resolvable inside the retention window.
	status, err := ticket.Status()
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, status.State)

	// Expired after the window.
	require.Eventually(t, func() bool {
		_, err := ticket.Status()
		return errors.Is(err, ErrTicketNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryRemoveCancelsRetention(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	_, ticket := r.Submit(KindConfigure)
	r.Terminate(ticket.ID)
	r.Remove(ticket.ID)

	_, err := r.Find(ticket.ID)
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.Equal(t, 0, r.Active())
}

func TestTicketAwaitBlocksUntilTerminal(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	j, ticket := r.Submit(KindConfigure)

	go func() {
		j.MarkRunning("working")
		time.Sleep(10 * time.Millisecond)
		j.SetResult(Result{SuccessCount: 3})
		j.Succeed("finished on 3 nodes")
	}()

	status, err := ticket.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, status.State)
	assert.Equal(t, 3, status.Result.SuccessCount)
}

func TestTicketAwaitHonoursContext(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	_, ticket := r.Submit(KindConfigure)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ticket.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
