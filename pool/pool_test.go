package pool

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunChildRoundTrip exercises the child-process side of the IPC
// protocol entirely in-process, independent of exec.Cmd.
func TestRunChildRoundTrip(t *testing.T) {
	in := bytes.NewBufferString(`{"task_name":"double","payload":"AQ=="}` + "\n")
	var out bytes.Buffer

	err := RunChild(in, &out, func(taskName string, payload []byte) ([]byte, error) {
		assert.Equal(t, "double", taskName)
		assert.Equal(t, []byte{1}, payload)
		return []byte{2}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"ok":true`)
}

func TestRunChildHandlerError(t *testing.T) {
	in := bytes.NewBufferString(`{"task_name":"boom","payload":""}` + "\n")
	var out bytes.Buffer

	err := RunChild(in, &out, func(taskName string, payload []byte) ([]byte, error) {
		return nil, assertError{}
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"ok":false`)
}

type assertError struct{}

func (assertError) Error() string { return "handler failed" }

// TestPoolSubmitRoundTrip starts a real child process (a tiny shell script
// speaking the IPC protocol) and confirms Submit decodes its response.
func TestPoolSubmitRoundTrip(t *testing.T) {
	script := `while IFS= read -r line; do printf '{"ok":true,"result":"ZG9uZQ=="}\n'; done`
	p, err := New("sh", []string{"-c", script}, 2, 0)
	require.NoError(t, err)
	defer p.Shutdown(time.Second)

	result, err := p.Submit(context.Background(), "job", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), result)
}

// TestPoolDetectsCrash confirms a child that exits without answering causes
// Submit to surface ErrProcessCrash and the pool to replace it.
func TestPoolDetectsCrash(t *testing.T) {
	p, err := New("sh", []string{"-c", "exit 0"}, 1, 0)
	require.NoError(t, err)
	defer p.Shutdown(time.Second)

	_, err = p.Submit(context.Background(), "job", []byte("payload"))
	assert.ErrorIs(t, err, ErrProcessCrash)
}

// TestPoolRecyclesAfterMaxTasks confirms repeated submissions against a
// pool with maxTasksPerChild=1 keep succeeding, i.e. recycling doesn't
// disrupt subsequent submissions.
func TestPoolRecyclesAfterMaxTasks(t *testing.T) {
	script := `while IFS= read -r line; do printf '{"ok":true,"result":"ZG9uZQ=="}\n'; done`
	p, err := New("sh", []string{"-c", script}, 1, 1)
	require.NoError(t, err)
	defer p.Shutdown(time.Second)

	for i := 0; i < 3; i++ {
		result, err := p.Submit(context.Background(), "job", []byte("payload"))
		require.NoError(t, err)
		assert.Equal(t, []byte("done"), result)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolSize(t *testing.T) {
	script := `while IFS= read -r line; do printf '{"ok":true,"result":""}\n'; done`
	p, err := New("sh", []string{"-c", script}, 3, 0)
	require.NoError(t, err)
	defer p.Shutdown(time.Second)
	assert.Equal(t, 3, p.Size())
}
