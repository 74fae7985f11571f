package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmkrofficial/taskqueue-core/internal/taskctx"
)

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("hash")
	require.False(t, ok)
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("hash", ExecutorFunc(func(ctx *taskctx.Context, payload string) (Result, error) {
		return Result{Payload: "ok"}, nil
	}))

	e, ok := r.Lookup("hash")
	require.True(t, ok)

	handle, goCtx := taskctx.NewHandle(context.Background(), "t1", "hash")
	tc := handle.NewContext(goCtx, nil)
	res, err := e.Execute(tc, "{}")
	require.NoError(t, err)
	require.Equal(t, "ok", res.Payload)
}

func TestCapabilitiesReflectsRegisteredTypes(t *testing.T) {
	r := NewRegistry()
	r.Register("hash", ExecutorFunc(func(*taskctx.Context, string) (Result, error) { return Result{}, nil }))
	r.Register("scan", ExecutorFunc(func(*taskctx.Context, string) (Result, error) { return Result{}, nil }))

	caps := r.Capabilities()
	require.ElementsMatch(t, []string{"hash", "scan"}, caps)
}
