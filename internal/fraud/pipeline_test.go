package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"heurist/internal/store"
	"heurist/internal/types"
)

func TestPipelineScansEnqueuedHeuristics(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newScanStore(t)
	ids := make([]int64, 3)
	for i := range ids {
		id, err := s.CreateHeuristic(&store.Heuristic{Domain: "d", Rule: fmt.Sprintf("r%d", i), Confidence: 0.5})
		require.NoError(t, err)
		ids[i] = id
	}

	cfg := fraudCfg()
	cfg.ScansPerSec = 1000
	p := NewPipeline(NewScanner(s, cfg, 3), cfg)
	defer p.Stop()

	for _, id := range ids {
		require.NoError(t, p.Enqueue(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	for _, id := range ids {
		h, err := s.GetHeuristic(id)
		require.NoError(t, err)
		assert.NotNil(t, h.LastFraudCheck, "heuristic %d was never scanned", id)
	}
}

func TestPipelineCoalescesRepeatEnqueues(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newScanStore(t)
	id, err := s.CreateHeuristic(&store.Heuristic{Domain: "d", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	cfg := fraudCfg()
	cfg.ScansPerSec = 1000
	p := NewPipeline(NewScanner(s, cfg, 3), cfg)
	defer p.Stop()

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Enqueue(id), "coalesced enqueues never hit the depth limit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	assert.NotNil(t, h.LastFraudCheck)
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newScanStore(t)
	cfg := fraudCfg()
	p := NewPipeline(NewScanner(s, cfg, 3), cfg)

	p.Stop()
	p.Stop()

	err := p.Enqueue(1)
	assert.True(t, types.IsValidation(err), "enqueue after stop is rejected")
}

func TestPipelineQuarantineVisibleAfterFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newScanStore(t)
	id, err := s.CreateHeuristic(&store.Heuristic{Domain: "d", Rule: "r", Confidence: 0.5})
	require.NoError(t, err)

	require.NoError(t, s.UpsertBaseline(&store.DomainBaseline{
		Domain: "d", UpdateFreqAvg: 0.5, UpdateFreqStd: 0.5, SampleCount: 10,
	}))
	recordBurst(t, s, id, 100)

	cfg := fraudCfg()
	cfg.ScansPerSec = 1000
	p := NewPipeline(NewScanner(s, cfg, 3), cfg)
	defer p.Stop()

	require.NoError(t, p.Enqueue(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	h, err := s.GetHeuristic(id)
	require.NoError(t, err)
	assert.True(t, h.IsQuarantined, "flush establishes the verdict happened-before this read")
}
