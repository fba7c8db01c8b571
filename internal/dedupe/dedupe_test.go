package dedupe

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eg-automation/internal/model"
)

func lot(raw, image string) *model.LotRecord {
	return &model.LotRecord{Raw: []byte(raw), FloorPlanImage: image}
}

func TestCompute_IgnoresLotID(t *testing.T) {
	a, err := Compute(lot(`{"lot_id":"A","building_data":{"conditioned_floor_area":2402}}`, ""), nil)
	require.NoError(t, err)
	b, err := Compute(lot(`{"building_data":{"conditioned_floor_area":2402.0},"lot_id":"B"}`, ""), nil)
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key)
	assert.Empty(t, a.Image)
	assert.Equal(t, a.Content, a.Key)
}

func TestCompute_VolatileFieldsAtAnyDepth(t *testing.T) {
	volatile := []string{"timestamp"}
	a, err := Compute(lot(`{"lot_id":"A","timestamp":"1","hvac":{"s":{"tonnage":3,"timestamp":"x"}}}`, ""), volatile)
	require.NoError(t, err)
	b, err := Compute(lot(`{"lot_id":"A","timestamp":"2","hvac":{"s":{"tonnage":3,"timestamp":"y"}}}`, ""), volatile)
	require.NoError(t, err)
	assert.Equal(t, a.Key, b.Key)

	c, err := Compute(lot(`{"lot_id":"A","hvac":{"s":{"tonnage":3.5}}}`, ""), volatile)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, c.Key)
}

func TestCompute_ImageChangesKey(t *testing.T) {
	dir := t.TempDir()
	img1 := filepath.Join(dir, "a.png")
	img2 := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(img1, []byte("plan-one"), 0o644))
	require.NoError(t, os.WriteFile(img2, []byte("plan-two"), 0o644))

	raw := `{"lot_id":"A","floor_plan_image":"ignored"}`
	a, err := Compute(lot(raw, img1), nil)
	require.NoError(t, err)
	b, err := Compute(lot(raw, img2), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, a.Image)
	assert.Equal(t, a.Content, b.Content)
	assert.NotEqual(t, a.Key, b.Key)
	assert.NotEqual(t, a.Content, a.Key)
}

func TestCompute_MissingImageCountsAsNone(t *testing.T) {
	fp, err := Compute(lot(`{"lot_id":"A"}`, filepath.Join(t.TempDir(), "gone.png")), nil)
	require.NoError(t, err)
	assert.Empty(t, fp.Image)
	assert.Equal(t, fp.Content, fp.Key)
}

func TestCompute_InvalidJSON(t *testing.T) {
	_, err := Compute(lot(`not json`, ""), nil)
	require.Error(t, err)
}

func TestDetector_ClaimOnce(t *testing.T) {
	d := NewDetector(true, nil)

	first := d.Claim("fp", "L1", "run")
	assert.False(t, first.Duplicate)

	second := d.Claim("fp", "L2", "run")
	require.True(t, second.Duplicate)
	assert.Equal(t, "L1", second.Prior.LotID)
}

func TestDetector_ConcurrentClaims(t *testing.T) {
	d := NewDetector(true, nil)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.Claim("same", "L", "run").Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}

func TestDetector_WaitForOutcome(t *testing.T) {
	d := NewDetector(true, nil)
	d.Claim("fp", "L1", "run")
	dup := d.Claim("fp", "L2", "run")
	require.True(t, dup.Duplicate)

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Complete("fp", model.Outcome{LotID: "L1", Kind: model.OutcomeApprovedSuccess})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := dup.Prior.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApprovedSuccess, out.Kind)

	// Completing twice keeps the first outcome.
	d.Complete("fp", model.Outcome{Kind: model.OutcomeRejected})
	out, err = dup.Prior.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApprovedSuccess, out.Kind)
}

func TestDetector_WaitCancelled(t *testing.T) {
	d := NewDetector(true, nil)
	d.Claim("fp", "L1", "run")
	dup := d.Claim("fp", "L2", "run")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dup.Prior.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetector_PriorOutcomes(t *testing.T) {
	prior := []model.Outcome{
		{RunID: "r0", LotID: "Old", Fingerprint: "fp", Kind: model.OutcomeApprovedSuccess, Artifacts: []string{"a.egpj"}},
		{RunID: "r0", LotID: "NoFP"},
	}
	d := NewDetector(true, prior)
	assert.Equal(t, 1, d.Len())

	c := d.Claim("fp", "New", "r1")
	require.True(t, c.Duplicate)
	select {
	case <-c.Prior.Done():
	default:
		t.Fatal("prior entry should already be complete")
	}
	out, err := c.Prior.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.egpj"}, out.Artifacts)
}

func TestDetector_Disabled(t *testing.T) {
	d := NewDetector(false, []model.Outcome{{Fingerprint: "fp"}})
	assert.False(t, d.Claim("fp", "L1", "run").Duplicate)
	assert.False(t, d.Claim("fp", "L2", "run").Duplicate)
	d.Complete("fp", model.Outcome{})
}
