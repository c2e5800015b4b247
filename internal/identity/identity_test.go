package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	id, err := Static("abc").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}

func TestRandomIsUUID(t *testing.T) {
	id, err := Random().Resolve(context.Background())
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
}

func TestOnceMemoizes(t *testing.T) {
	var calls atomic.Int32
	p := Once(Func(func(context.Context) (string, error) {
		calls.Add(1)
		return uuid.NewString(), nil
	}))

	first, err := p.Resolve(context.Background())
	require.NoError(t, err)
	second, err := p.Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFallbackHashVectors(t *testing.T) {
	assert.Equal(t, "22yv", FallbackHash([]string{"a", "b"}))
	assert.Equal(t, "hs309g", FallbackHash([]string{"Mozilla/5.0", "en-US", "1920x1080", "-540", "data:image/png"}))
	assert.Equal(t, FallbackHash([]string{"x"}), FallbackHash([]string{"x"}))
}

func TestFingerprintUsesPrimary(t *testing.T) {
	p := Fingerprint(Static("visitor-1"), []string{"a"})
	id, err := p.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "visitor-1", id)
}

func TestFingerprintFallsBack(t *testing.T) {
	failing := Func(func(context.Context) (string, error) { return "", errors.New("blocked") })

	id, err := Fingerprint(failing, []string{"a", "b"}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "22yv", id)

	id, err = Fingerprint(nil, []string{"a", "b"}).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "22yv", id)
}

func TestFingerprintNoAttributes(t *testing.T) {
	failing := Func(func(context.Context) (string, error) { return "", errors.New("blocked") })
	_, err := Fingerprint(failing, nil).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestHostAttributes(t *testing.T) {
	attrs := HostAttributes()
	require.Len(t, attrs, 4)
	assert.Contains(t, attrs[1], "/")
}
