package keyring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const colonsOutput = `tru::1:1756000000:0:3:1:5
pub:u:4096:1:AABBCCDDEEFF0011:1755000000:1786536000::u:::scSC::::::23::0:
fpr:::::::::1234567890ABCDEF1234567890ABCDEF12345678:
uid:u::::1755000000::DEADBEEF::Kiln Production <kiln@example.com>::::::::::0:
`

func TestParseColons(t *testing.T) {
	t.Run("extracts fingerprint and timestamps", func(t *testing.T) {
		info, err := ParseColons(colonsOutput)
		require.NoError(t, err)
		assert.Equal(t, "1234567890ABCDEF1234567890ABCDEF12345678", info.Fingerprint)
		assert.Equal(t, time.Unix(1755000000, 0), info.CreatedAt)
		assert.Equal(t, time.Unix(1786536000, 0), info.ExpiresAt)
	})

	t.Run("key without expiry", func(t *testing.T) {
		output := `pub:u:4096:1:AABBCCDDEEFF0011:1755000000:::u:::scSC::::::23::0:
fpr:::::::::1234567890ABCDEF1234567890ABCDEF12345678:
`
		info, err := ParseColons(output)
		require.NoError(t, err)
		assert.True(t, info.ExpiresAt.IsZero())
	})

	t.Run("no key", func(t *testing.T) {
		_, err := ParseColons("tru::1:1756000000:0:3:1:5\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no signing key")
	})

	t.Run("only the first key is reported", func(t *testing.T) {
		output := colonsOutput + `pub:u:4096:1:0011223344556677:1755100000:::u:::scSC::::::23::0:
fpr:::::::::FFFF567890ABCDEF1234567890ABCDEF12345678:
`
		info, err := ParseColons(output)
		require.NoError(t, err)
		assert.Equal(t, "1234567890ABCDEF1234567890ABCDEF12345678", info.Fingerprint)
	})
}
