package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-scalpel/internal/engine"
	"github.com/23skdu/longbow-scalpel/internal/safetensors"
)

func writeTestModel(t *testing.T, dir string, tensors map[string][]float32) string {
	t.Helper()
	td := make(map[string]safetensors.TensorData, len(tensors))
	for name, vals := range tensors {
		raw := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		td[name] = safetensors.TensorData{
			Dtype: safetensors.F32,
			Shape: []int64{int64(len(vals))},
			Data:  raw,
		}
	}
	path := filepath.Join(dir, "model.safetensors")
	require.NoError(t, safetensors.Write(context.Background(), path, nil, td, nil))
	return path
}

func postCBOR(t *testing.T, handler http.HandlerFunc, payload any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(payload)
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", "/", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeCBOR(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), dst))
}

func TestServer_Full(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	pathA := writeTestModel(t, dirA, map[string][]float32{
		"blk.weight":  {1, 2},
		"norm.weight": {5, 6},
	})
	pathB := writeTestModel(t, dirB, map[string][]float32{
		"blk.weight": {3, 4},
	})

	srv := NewServer(engine.NewSession(engine.Options{}), 4)

	t.Run("Protocol Mismatch Rejected", func(t *testing.T) {
		rr := postCBOR(t, srv.handleOpen, map[string]any{"version": engine.ProtocolVersion + 1, "path": pathA})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("GET Rejected", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/open", nil)
		rr := httptest.NewRecorder()
		http.HandlerFunc(srv.handleOpen).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("HandleOpen", func(t *testing.T) {
		rr := postCBOR(t, srv.handleOpen, map[string]any{"version": engine.ProtocolVersion, "path": pathA})
		require.Equal(t, http.StatusOK, rr.Code)

		var res openResponse
		decodeCBOR(t, rr, &res)
		assert.Equal(t, 2, res.TensorCount)
		assert.Equal(t, 2, res.Parameters)
	})

	t.Run("HandleCompare", func(t *testing.T) {
		rr := postCBOR(t, srv.handleCompare, map[string]any{"version": engine.ProtocolVersion, "path_b": pathB})
		require.Equal(t, http.StatusOK, rr.Code)

		var res compareResponse
		decodeCBOR(t, rr, &res)
		byPath := make(map[string]engine.CompareEntry)
		for _, c := range res.Components {
			byPath[c.Path] = c
		}
		assert.NotNil(t, byPath["blk.weight"].Metrics)
		assert.Nil(t, byPath["norm.weight"].Metrics)
	})

	t.Run("HandleTensorDiff", func(t *testing.T) {
		rr := postCBOR(t, srv.handleTensorDiff, map[string]any{"version": engine.ProtocolVersion, "path": "blk.weight"})
		require.Equal(t, http.StatusOK, rr.Code)

		var res engine.TensorDiff
		decodeCBOR(t, rr, &res)
		assert.InDelta(t, 2.8284, res.Metrics.L2NormDiff, 1e-4)
	})

	t.Run("HandleTensorDiff Unknown Path", func(t *testing.T) {
		rr := postCBOR(t, srv.handleTensorDiff, map[string]any{"version": engine.ProtocolVersion, "path": "ghost"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("HandleSurgery Rename Undo Redo", func(t *testing.T) {
		rr := postCBOR(t, srv.handleSurgery, map[string]any{
			"version":     engine.ProtocolVersion,
			"kind":        "rename_component",
			"target_path": "norm",
			"new_name":    "final_norm",
		})
		require.Equal(t, http.StatusOK, rr.Code)

		var res surgeryResponse
		decodeCBOR(t, rr, &res)
		assert.Equal(t, 1, res.PendingChanges)

		rr = postCBOR(t, srv.handleUndo, map[string]any{"version": engine.ProtocolVersion})
		require.Equal(t, http.StatusOK, rr.Code)
		decodeCBOR(t, rr, &res)
		assert.True(t, res.Moved)
		assert.Zero(t, res.PendingChanges)

		rr = postCBOR(t, srv.handleRedo, map[string]any{"version": engine.ProtocolVersion})
		require.Equal(t, http.StatusOK, rr.Code)
		decodeCBOR(t, rr, &res)
		assert.True(t, res.Moved)
		assert.Equal(t, 1, res.PendingChanges)
	})

	t.Run("HandleSurgery Unknown Kind", func(t *testing.T) {
		rr := postCBOR(t, srv.handleSurgery, map[string]any{
			"version": engine.ProtocolVersion,
			"kind":    "transmute",
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("HandleSave", func(t *testing.T) {
		out := filepath.Join(dirA, "out.safetensors")
		rr := postCBOR(t, srv.handleSave, map[string]any{"version": engine.ProtocolVersion, "output_path": out})
		require.Equal(t, http.StatusOK, rr.Code)

		h, err := safetensors.ParseHeader(out)
		require.NoError(t, err)
		assert.Contains(t, h.Tensors, "final_norm.weight")
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServer_OperationsWithoutModel(t *testing.T) {
	srv := NewServer(engine.NewSession(engine.Options{}), 1)

	rr := postCBOR(t, srv.handleCompare, map[string]any{"version": engine.ProtocolVersion, "path_b": "x"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = postCBOR(t, srv.handleSurgery, map[string]any{
		"version":     engine.ProtocolVersion,
		"kind":        "remove_tensor",
		"target_path": "x",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}
