package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type wrappedInput struct {
	Id int
}

func newCountingLoader(calls *int) func(ctx context.Context, input wrappedInput) ([]*ExampleStruct, error) {
	return func(ctx context.Context, input wrappedInput) ([]*ExampleStruct, error) {
		*calls++
		return []*ExampleStruct{
			{
				ID: input.Id,
			},
		}, nil
	}
}

func TestReadThroughCache_Get_WithCacheDisabled(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		newCountingLoader(&calls),
		true,
	)

	examples, err := readThroughCache.Get(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.NoError(t, err)
	require.Equal(t, []*ExampleStruct{
		{
			ID: 1,
		},
	}, examples)

	// With the cache disabled every Get goes to the loader and nothing is stored.
	_, err = readThroughCache.Get(context.Background(), "key", wrappedInput{Id: 1}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	_, ok := manager.Get(context.Background(), "key")
	require.False(t, ok)
}

func TestReadThroughCache_GetWithRefresh_WithCacheDisabled(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		newCountingLoader(&calls),
		true,
	)

	examples, err := readThroughCache.GetWithRefresh(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.NoError(t, err)
	require.Equal(t, []*ExampleStruct{
		{
			ID: 1,
		},
	}, examples)
	require.Equal(t, 1, calls)

	_, ok := manager.Get(context.Background(), "key")
	require.False(t, ok)
}

func TestReadThroughCache_Get_WithValueInCache(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)
	manager.Set(context.Background(), "key", []*ExampleStruct{
		{
			ID:   1,
			Name: "Example",
		},
	}, DefaultExpiration)

	calls := 0
	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		newCountingLoader(&calls),
		false,
	)

	examples, err := readThroughCache.Get(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.NoError(t, err)
	require.Equal(t, []*ExampleStruct{
		{
			ID:   1,
			Name: "Example",
		},
	}, examples)
	require.Equal(t, 0, calls)
}

func TestReadThroughCache_Get_EmptyCache(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		newCountingLoader(&calls),
		false,
	)

	examples, err := readThroughCache.Get(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.NoError(t, err)
	require.Equal(t, []*ExampleStruct{
		{
			ID: 1,
		},
	}, examples)
	require.Equal(t, 1, calls)

	// The loaded value is written back so the next Get is a cache hit.
	cached, ok := manager.Get(context.Background(), "key")
	require.True(t, ok)
	require.Equal(t, examples, cached)

	_, err = readThroughCache.Get(context.Background(), "key", wrappedInput{Id: 1}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestReadThroughCache_Get_LoaderError(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		func(ctx context.Context, input wrappedInput) ([]*ExampleStruct, error) {
			return nil, errors.New("failed to get data")
		},
		false,
	)

	_, err := readThroughCache.Get(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.Error(t, err)

	// Nothing is cached on a loader failure.
	_, ok := manager.Get(context.Background(), "key")
	require.False(t, ok)
}

func TestReadThroughCache_GetWithRefresh_WithValueInCache(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)
	manager.Set(context.Background(), "key", []*ExampleStruct{
		{
			ID:   1,
			Name: "Example",
		},
	}, DefaultExpiration)

	calls := 0
	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		newCountingLoader(&calls),
		false,
	)

	examples, err := readThroughCache.GetWithRefresh(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.NoError(t, err)
	require.Equal(t, []*ExampleStruct{
		{
			ID:   1,
			Name: "Example",
		},
	}, examples)
	require.Equal(t, 0, calls)
}

func TestReadThroughCache_GetWithRefresh_EmptyCache(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)

	calls := 0
	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		newCountingLoader(&calls),
		false,
	)

	examples, err := readThroughCache.GetWithRefresh(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.NoError(t, err)
	require.Equal(t, []*ExampleStruct{
		{
			ID: 1,
		},
	}, examples)
	require.Equal(t, 1, calls)

	cached, ok := manager.Get(context.Background(), "key")
	require.True(t, ok)
	require.Equal(t, examples, cached)
}

func TestReadThroughCache_GetWithRefresh_LoaderError(t *testing.T) {
	manager := NewInMemoryCacheManager[string, []*ExampleStruct]("test", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, []*ExampleStruct, wrappedInput](
		manager,
		func(ctx context.Context, input wrappedInput) ([]*ExampleStruct, error) {
			return nil, errors.New("failed to get data")
		},
		false,
	)

	_, err := readThroughCache.GetWithRefresh(
		context.Background(),
		"key",
		wrappedInput{
			Id: 1,
		},
		time.Minute)
	require.Error(t, err)
}
