package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStableUnderKeyReordering(t *testing.T) {
	a := []byte(`{"name":"alpha","locks":{"writes":["core"],"reads":["db"]},"dependencies":["001","002"]}`)
	b := []byte(`{"dependencies":["001","002"],"locks":{"reads":["db"],"writes":["core"]},"name":"alpha"}`)

	fpA, err := Compute(a, "spec body")
	require.NoError(t, err)
	fpB, err := Compute(b, "spec body")
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestComputeStableUnderWhitespaceReformatting(t *testing.T) {
	compact := []byte(`{"name":"alpha","estimated_minutes":30}`)
	indented := []byte("{\n  \"name\": \"alpha\",\n  \"estimated_minutes\": 30\n}\n")

	fpA, err := Compute(compact, "body")
	require.NoError(t, err)
	fpB, err := Compute(indented, "body")
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestComputeSensitiveToArrayOrder(t *testing.T) {
	a := []byte(`{"dependencies":["001","002"]}`)
	b := []byte(`{"dependencies":["002","001"]}`)

	fpA, err := Compute(a, "body")
	require.NoError(t, err)
	fpB, err := Compute(b, "body")
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpB)
}

func TestComputeStableUnderLineEndings(t *testing.T) {
	fpLF, err := Compute([]byte(`{}`), "line one\nline two\n")
	require.NoError(t, err)
	fpCRLF, err := Compute([]byte(`{}`), "line one\r\nline two\r\n")
	require.NoError(t, err)
	fpTrailing, err := Compute([]byte(`{}`), "line one  \nline two\t\n")
	require.NoError(t, err)

	assert.Equal(t, fpLF, fpCRLF)
	assert.Equal(t, fpLF, fpTrailing)
}

func TestComputeSensitiveToContent(t *testing.T) {
	base, err := Compute([]byte(`{"name":"alpha"}`), "spec body")
	require.NoError(t, err)

	manifestEdit, err := Compute([]byte(`{"name":"beta"}`), "spec body")
	require.NoError(t, err)
	assert.NotEqual(t, base, manifestEdit)

	specEdit, err := Compute([]byte(`{"name":"alpha"}`), "spec body!")
	require.NoError(t, err)
	assert.NotEqual(t, base, specEdit)
}

func TestComputeRejectsInvalidJSON(t *testing.T) {
	_, err := Compute([]byte(`{not json`), "body")
	assert.Error(t, err)
}

func TestNormalizeSpecPreservesTrailingNewlineCount(t *testing.T) {
	assert.Equal(t, "a\nb", NormalizeSpec("a\r\nb"))
	assert.Equal(t, "a\nb\n", NormalizeSpec("a\nb\n"))
	assert.Equal(t, "a\nb\n\n", NormalizeSpec("a\nb\n\n"))
}

func TestCanonicalizeJSONPreservesNumericLiterals(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"cost":0.50,"n":10000000000}`))
	require.NoError(t, err)
	assert.Equal(t, `{"cost":0.50,"n":10000000000}`, string(out))
}
