package wake

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteEngineForwardsDetectionsWhileRunning(t *testing.T) {
	e := NewRemoteEngine(zerolog.Nop())
	require.NoError(t, e.Init(context.Background(), "", "static/kw.ppn", "static/params.pv"))

	// Detections before Start are dropped.
	e.Notify("mithr")
	select {
	case <-e.Detections():
		t.Fatal("stopped engine must drop detections")
	default:
	}

	require.NoError(t, e.Start())
	e.Notify("mithr")

	det := <-e.Detections()
	assert.Equal(t, "mithr", det.Keyword)
	assert.False(t, det.At.IsZero())

	require.NoError(t, e.Stop())
	e.Notify("mithr")
	select {
	case <-e.Detections():
		t.Fatal("stopped engine must drop detections")
	default:
	}
}

func TestRemoteEngineAssets(t *testing.T) {
	e := NewRemoteEngine(zerolog.Nop())
	require.NoError(t, e.Init(context.Background(), "key", "kw.ppn", "params.pv"))

	keyword, model := e.Assets()
	assert.Equal(t, "kw.ppn", keyword)
	assert.Equal(t, "params.pv", model)
}
