package tasks

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/domain"
)

func TestRegistryLookup(t *testing.T) {
	noop := Func(func(ctx context.Context, p domain.RunParams) (domain.Result, error) {
		return domain.Result{Message: p.RunID}, nil
	})
	src := map[string]Task{"noop": noop, "alpha": noop}
	r := NewRegistry(src)
	delete(src, "noop")

	task, err := r.Lookup("noop")
	require.NoError(t, err)
	res, err := task.Execute(context.Background(), domain.RunParams{RunID: "run_1"})
	require.NoError(t, err)
	assert.Equal(t, "run_1", res.Message)

	assert.Equal(t, []string{"alpha", "noop"}, r.Types())
	assert.NoError(t, r.Validate("alpha"))
}

func TestRegistryUnknownTypeIsConfigurationError(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Lookup("twitter")

	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "twitter", ce.Value)
	assert.ErrorIs(t, err, domain.ErrUnknownTaskType)
}

func TestOutput(t *testing.T) {
	assert.Equal(t, os.Stdout, Output(context.Background()))

	var buf bytes.Buffer
	ctx := WithOutput(context.Background(), &buf)
	_, _ = Output(ctx).Write([]byte("hi"))
	assert.Equal(t, "hi", buf.String())
}
