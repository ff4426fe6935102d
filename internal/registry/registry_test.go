package registry

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myco/pkg/platform/sentinel"
	"myco/pkg/testutil"
)

func TestParse(t *testing.T) {
	pubA, _ := testutil.DeviceKey("node-001")
	pubB, _ := testutil.DeviceKey("node-002")
	b64A := base64.StdEncoding.EncodeToString(pubA)
	b64B := base64.StdEncoding.EncodeToString(pubB)

	t.Run("accepts bare and object entries", func(t *testing.T) {
		data := []byte(`{"node-001":"` + b64A + `","node-002":{"publicKeyB64":"` + b64B + `"}}`)
		reg, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, 2, reg.Len())

		key, ok := reg.Lookup("node-001")
		require.True(t, ok)
		assert.Equal(t, []byte(pubA), []byte(key))

		key, ok = reg.Lookup("node-002")
		require.True(t, ok)
		assert.Equal(t, []byte(pubB), []byte(key))

		assert.Equal(t, []string{"node-001", "node-002"}, reg.DeviceIDs())
	})

	t.Run("unknown device is absent", func(t *testing.T) {
		reg, err := Parse([]byte(`{"node-001":"` + b64A + `"}`))
		require.NoError(t, err)
		_, ok := reg.Lookup("node-999")
		assert.False(t, ok)
	})

	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `not json`},
		{name: "bad base64", data: `{"node-001":"%%%"}`},
		{name: "short key", data: `{"node-001":"` + base64.StdEncoding.EncodeToString([]byte("short")) + `"}`},
		{name: "missing key field", data: `{"node-001":{"other":"x"}}`},
		{name: "number entry", data: `{"node-001":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := New(map[string][]byte{"node-001": make([]byte, 31)})
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestNewCopiesKeys(t *testing.T) {
	pub, _ := testutil.DeviceKey("node-001")
	raw := append([]byte(nil), pub...)
	reg, err := New(map[string][]byte{"node-001": raw})
	require.NoError(t, err)

	raw[0] ^= 0xff
	key, _ := reg.Lookup("node-001")
	assert.Equal(t, []byte(pub), []byte(key))
}

func TestLoad(t *testing.T) {
	pub, _ := testutil.DeviceKey("node-001")
	path := filepath.Join(t.TempDir(), "devices.json")
	data := `{"node-001":{"publicKeyB64":"` + base64.StdEncoding.EncodeToString(pub) + `"}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
