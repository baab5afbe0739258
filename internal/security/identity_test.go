package security

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openclawchat/internal/domain"
)

func TestLoadOrCreateIdentityCreatesThenReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity", "device.json")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	sum := sha256.Sum256(first.PublicKey)
	assert.Equal(t, hex.EncodeToString(sum[:]), first.DeviceID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.PublicKeyBase64URL(), second.PublicKeyBase64URL())

	payload := "v2|x"
	assert.True(t, VerifyDeviceSignature(first.PublicKey, payload, second.Sign(payload)))
}

func TestLoadOrCreateIdentityCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadOrCreateIdentity(path)
	assert.True(t, errors.Is(err, domain.ErrStorage), "err = %v", err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "corrupt record must not be overwritten")
}

func TestLoadOrCreateIdentityMismatchedDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	_, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	var rec identityRecord
	data, _ := os.ReadFile(path)
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.DeviceID = strings.Repeat("0", 64)
	data, _ = json.Marshal(rec)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = LoadOrCreateIdentity(path)
	assert.True(t, errors.Is(err, domain.ErrStorage))
}

func TestLoadOrCreateIdentityBadSeedLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	rec := identityRecord{Version: 1, PrivateKey: "AAAA"}
	data, _ := json.Marshal(rec)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := LoadOrCreateIdentity(path)
	assert.True(t, errors.Is(err, domain.ErrStorage))
}

func TestLoadOrCreateIdentityUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, err := LoadOrCreateIdentity(filepath.Join(blocker, "sub", "device.json"))
	assert.True(t, errors.Is(err, domain.ErrStorage))
}

func TestLoadOrCreateIdentityKeyGenerationFailure(t *testing.T) {
	orig := keySource
	keySource = iotest.ErrReader(errors.New("entropy exhausted"))
	t.Cleanup(func() { keySource = orig })

	path := filepath.Join(t.TempDir(), "device.json")
	_, err := LoadOrCreateIdentity(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorage))
	assert.Contains(t, err.Error(), "entropy exhausted")

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "no record written after a failed key generation")
}

func TestLoadOrCreateIdentitySealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	first, err := LoadOrCreateIdentity(path, WithPassphrase("hunter2"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec identityRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.True(t, IsSealed(rec.PrivateKey))

	again, err := LoadOrCreateIdentity(path, WithPassphrase("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, again.DeviceID)

	_, err = LoadOrCreateIdentity(path, WithPassphrase("wrong"))
	assert.True(t, errors.Is(err, domain.ErrStorage))

	_, err = LoadOrCreateIdentity(path)
	assert.True(t, errors.Is(err, domain.ErrStorage))
}

func TestDeviceIdentityLogValueRedactsKey(t *testing.T) {
	id, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "device.json"))
	require.NoError(t, err)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("loaded", "identity", id)

	out := buf.String()
	assert.Contains(t, out, id.DeviceID)
	assert.NotContains(t, out, id.PublicKeyBase64URL())
}
