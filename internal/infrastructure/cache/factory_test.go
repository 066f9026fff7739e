package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_ClaimStore(t *testing.T) {
	f := NewFactory(nil, nil)

	tests := []struct {
		name    string
		backend string
		wantErr string
	}{
		{"default", "", ""},
		{"memory", "memory", ""},
		{"redis without client", "redis", "requires a Redis client"},
		{"unknown", "etcd", `unknown claim backend "etcd"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := f.ClaimStore(tt.backend)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &MemoryClaimStore{}, store)
			assert.NoError(t, store.Close())
		})
	}
}

func TestFactory_RunGuard(t *testing.T) {
	f := NewFactory(nil, nil)

	guard, err := f.RunGuard("local", time.Minute)
	require.NoError(t, err)

	release, ok, err := guard.TryAcquire(context.Background(), "crm|acct")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, ok, err = guard.TryAcquire(context.Background(), "crm|acct")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.RunGuard("redis", time.Minute)
	assert.Error(t, err)

	_, err = f.RunGuard("zookeeper", time.Minute)
	assert.Error(t, err)
}
