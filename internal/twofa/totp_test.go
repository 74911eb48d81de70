package twofa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfcSecret is base32("12345678901234567890"), the RFC 6238 test secret.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestGenerateRFC6238Vectors(t *testing.T) {
	g := New(6, 30)

	vectors := []struct {
		unix int64
		code string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, v := range vectors {
		code, err := g.Generate(rfcSecret, time.Unix(v.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, v.code, code, "t=%d", v.unix)
	}
}

func TestGenerateIsStableWithinWindow(t *testing.T) {
	g := New(6, 30)

	a, err := g.Generate(rfcSecret, time.Unix(60, 0))
	require.NoError(t, err)
	b, err := g.Generate(rfcSecret, time.Unix(89, 0))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := g.Generate(rfcSecret, time.Unix(90, 0))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGenerateAcceptsAuthenticatorExportForm(t *testing.T) {
	g := New(6, 30)

	want, err := g.Generate(rfcSecret, time.Unix(59, 0))
	require.NoError(t, err)
	got, err := g.Generate("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGenerateRejectsBadSecret(t *testing.T) {
	g := New(6, 30)
	_, err := g.Generate("not base32 at all!!!", time.Unix(59, 0))
	assert.Error(t, err)
}

func TestNormalizeSecret(t *testing.T) {
	assert.Equal(t, "GEZDGNBV", NormalizeSecret("  gezd gnbv "))
}

func TestNewDefaults(t *testing.T) {
	g := New(0, 0)
	code, err := g.Generate(rfcSecret, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Len(t, code, 6)
}
