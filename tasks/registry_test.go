package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupKnownTask(t *testing.T) {
	r := NewRegistry()
	r.Register("add", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return 5, nil
	}, Policy{MaxAttempts: 3, RetryStrategy: RetryExponential, RetryDelayBase: time.Second})

	entry, err := r.Lookup("add")
	require.NoError(t, err)
	assert.Equal(t, "add", entry.Name)
	assert.Equal(t, 3, entry.Policy.MaxAttempts)

	result, err := entry.Handler(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result)
}

func TestRegistryLookupUnknownTask(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("missing")
	require.Error(t, err)
	var unknown *ErrUnknownTask
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.TaskName)
}

func TestRegistryNamesAndLen(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
	r.Register("a", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, Policy{})
	r.Register("b", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, Policy{})
	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
