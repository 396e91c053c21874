package matrixconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/inspector/engine/inspection"
)

const simpleMatrixYAML = `
conditions:
  - min_publish_interval_ms: 0
    after_duration_ms: 0
    probability_to_send: 1.0
    expression:
      binary:
        op: gt
        left:
          signal: 7
        right:
          float: 50
    signals:
      - signal_id: 7
        sample_buffer_size: 4
        type: f64
`

func TestManagerLoadDecodesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(simpleMatrixYAML), 0o644))

	m := NewManager(path)
	doc, err := m.Load()
	require.NoError(t, err)
	require.Len(t, doc.Conditions, 1)
	assert.NotEmpty(t, m.Checksum())
}

func TestManagerLoadRejectsEmptyConditions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conditions: []\n"), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	assert.Error(t, err)
}

type recordingSink struct {
	matrices []*inspection.Matrix
}

func (s *recordingSink) SetInspectionMatrix(m *inspection.Matrix) error {
	s.matrices = append(s.matrices, m)
	return nil
}

func TestManagerApplyToPushesConvertedMatrix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(simpleMatrixYAML), 0o644))

	m := NewManager(path)
	sink := &recordingSink{}
	require.NoError(t, m.ApplyTo(sink))
	require.Len(t, sink.matrices, 1)
	assert.Len(t, sink.matrices[0].Conditions, 1)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(simpleMatrixYAML), 0o644))

	m := NewManager(path)
	sink := &recordingSink{}
	w, err := NewWatcher(m, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(sink.matrices) >= 1
	}, time.Second, 10*time.Millisecond, "initial load must apply before any write")

	updated := simpleMatrixYAML + "\n# touch\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return len(sink.matrices) >= 2
	}, time.Second, 10*time.Millisecond, "a content change must trigger a reload")

	cancel()
	<-done
}
