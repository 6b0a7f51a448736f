package meshrepo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	feeReceived   int32
	feeFailed     int32
	uploadSuccess int32
	uploadFailed  int32
	uploader      string
}

func (o *recordingObserver) OnModelPhysicsFeeReceived(uploadURL string, data json.RawMessage) {
	atomic.AddInt32(&o.feeReceived, 1)
	o.uploader = uploadURL
}
func (o *recordingObserver) OnModelPhysicsFeeFailed(status int, err *uploadError) {
	atomic.AddInt32(&o.feeFailed, 1)
}
func (o *recordingObserver) OnModelUploadSuccess(data json.RawMessage) {
	atomic.AddInt32(&o.uploadSuccess, 1)
}
func (o *recordingObserver) OnModelUploadFailed(status int, err *uploadError) {
	atomic.AddInt32(&o.uploadFailed, 1)
}

func TestUploadModelTwoPhaseSuccess(t *testing.T) {
	var uploadURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadResponse{State: "complete", Data: json.RawMessage(`{"ok":true}`)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	uploadURL = srv.URL + "/upload"

	mux.HandleFunc("/fee", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadResponse{State: "upload", Uploader: uploadURL})
	})

	decomp := NewPhysicsDecomposer()
	defer decomp.Shutdown()

	pipeline := NewUploadPipeline(decomp)
	defer pipeline.Shutdown()

	obs := &recordingObserver{}
	params := UploadModelParams{Name: "test-model", FeeURL: srv.URL + "/fee"}
	pipeline.UploadModel(context.Background(), uuid.New(), params, obs)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&obs.uploadSuccess) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&obs.feeReceived))
	assert.EqualValues(t, 0, atomic.LoadInt32(&obs.feeFailed))
	assert.EqualValues(t, 0, atomic.LoadInt32(&obs.uploadFailed))
}

func TestUploadModelFeeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(uploadResponse{Error: &uploadError{Message: "no funds"}})
	}))
	defer srv.Close()

	decomp := NewPhysicsDecomposer()
	defer decomp.Shutdown()
	pipeline := NewUploadPipeline(decomp)
	defer pipeline.Shutdown()

	obs := &recordingObserver{}
	params := UploadModelParams{Name: "test-model", FeeURL: srv.URL}
	pipeline.UploadModel(context.Background(), uuid.New(), params, obs)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&obs.feeFailed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&obs.uploadSuccess))
}

func TestUploadDiscardAbortsHullWait(t *testing.T) {
	decomp := NewPhysicsDecomposer()
	defer decomp.Shutdown()
	pipeline := NewUploadPipeline(decomp)
	defer pipeline.Shutdown()

	obs := &recordingObserver{}
	// Geometry references a mesh ID the decomposer will never resolve
	// (nothing submitted for it), so awaitHulls blocks until discarded.
	params := UploadModelParams{
		Name:   "stuck-model",
		FeeURL: "http://127.0.0.1:1", // unreachable; must never be hit
		Geometry: []DecompositionRequest{
			{MeshID: uuid.New(), Stage: StageSingleHull},
		},
	}
	u := pipeline.UploadModel(context.Background(), uuid.New(), params, obs)

	time.Sleep(50 * time.Millisecond)
	u.Discard()

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&obs.feeReceived))
	assert.EqualValues(t, 0, atomic.LoadInt32(&obs.feeFailed))
}
