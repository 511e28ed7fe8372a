package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hakobi/internal/model"
)

func TestRenderTimeline(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	tl := model.Timeline{
		RequestID:      uuid.New(),
		Classification: model.ClassRetroactive,
		Steps: []model.TimelineStep{
			{Kind: model.StepCreated, Provenance: model.Observed, At: &at, ActorID: "req-1", ActorName: "Aiko"},
			{Kind: model.StepProcessed, Provenance: model.Observed, At: &at, ActorID: "mgr-1"},
			{Kind: model.StepRetroactiveCourier, Provenance: model.Inferred, CourierID: "courier-9"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderTimeline(&buf, tl))
	out := buf.String()
	assert.Contains(t, out, "classification: retroactive")
	assert.Contains(t, out, "Aiko (req-1)")
	assert.Contains(t, out, "2026-03-01T09:30:00Z")
	assert.Contains(t, out, "retroactive_courier")
	assert.Contains(t, out, "courier-9")
}

func TestProofRow(t *testing.T) {
	ref := "blob:abc"
	p := model.ProofRecord{
		Stage:       model.StagePickup,
		ActorID:     "courier-1",
		EvidenceRef: &ref,
		Quantity:    &model.Quantity{Value: 12.5, Unit: "kg"},
	}
	row := proofRow(p)
	assert.Equal(t, model.StagePickup, row[0])
	assert.Equal(t, "", row[2])
	assert.Equal(t, ref, row[3])
	assert.Equal(t, "12.5 kg", row[4])
}

func TestScope(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("tenant", "")
	_, _, err := scope(uuid.NewString())
	assert.Error(t, err)

	tenant := uuid.New()
	viper.Set("tenant", tenant.String())
	_, _, err = scope("nope")
	assert.Error(t, err)

	req := uuid.New()
	gotTenant, gotReq, err := scope(req.String())
	require.NoError(t, err)
	assert.Equal(t, tenant, gotTenant)
	assert.Equal(t, req, gotReq)
}
