package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_IsValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestLoadPolicy_EmptyPathReturnsDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, 100, p.ScopeQuotas[models.ScopeWrite])
	assert.Contains(t, p.UploadTypes, "image")
}

func TestLoadPolicy_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := `
scope_quotas:
  write: 20
upload_types:
  image:
    max_size: 1024
    formats:
      - name: png
        extensions: [".png"]
        mime_types: ["image/png"]
        signatures:
          - parts:
              - {offset: 0, hex: "89504e47"}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 20, p.ScopeQuotas[models.ScopeWrite])
	assert.Equal(t, 1000, p.ScopeQuotas[models.ScopeRead], "unset scopes keep defaults")
	assert.Equal(t, int64(1024), p.UploadTypes["image"].MaxSize)
	assert.Len(t, p.UploadTypes["image"].Formats, 1)
	assert.Contains(t, p.UploadTypes, "document", "untouched categories keep defaults")
}

func TestParsePolicy_RejectsBadSignature(t *testing.T) {
	data := `
upload_types:
  image:
    max_size: 10
    formats:
      - name: bad
        extensions: [".bad"]
        mime_types: ["image/bad"]
        signatures:
          - parts:
              - {offset: 0, hex: "zz"}
`
	_, err := ParsePolicy([]byte(data), DefaultPolicy())
	require.Error(t, err)
}

func TestParsePolicy_RejectsUnknownScope(t *testing.T) {
	_, err := ParsePolicy([]byte("scope_quotas:\n  superuser: 5\n"), DefaultPolicy())
	require.Error(t, err)
}

func TestParsePolicy_RejectsExtensionWithoutDot(t *testing.T) {
	data := `
upload_types:
  image:
    max_size: 10
    formats:
      - name: png
        extensions: ["png"]
        mime_types: ["image/png"]
        signatures:
          - parts:
              - {offset: 0, hex: "89"}
`
	_, err := ParsePolicy([]byte(data), DefaultPolicy())
	require.Error(t, err)
}
