package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"openclawchat/internal/domain"
)

const identityRecordVersion = 1

// keySource supplies entropy for new device keys.
var keySource io.Reader = rand.Reader

// DeviceIdentity is the persistent Ed25519 keypair that proves this device to
// the gateway. It is immutable once loaded.
type DeviceIdentity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewDeviceIdentity wraps an existing private key.
func NewDeviceIdentity(priv ed25519.PrivateKey) (*DeviceIdentity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", domain.ErrStorage, len(priv), ed25519.PrivateKeySize)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &DeviceIdentity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  pub,
		privateKey: priv,
	}, nil
}

// DeriveDeviceID returns the stable identifier for a public key: hex SHA-256
// of the raw key bytes.
func DeriveDeviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// PublicKeyBase64URL returns the raw public key as unpadded base64url, the
// encoding the gateway expects in the connect device block.
func (d *DeviceIdentity) PublicKeyBase64URL() string {
	return base64.RawURLEncoding.EncodeToString(d.PublicKey)
}

// Sign signs payload with the device key.
func (d *DeviceIdentity) Sign(payload string) string {
	return SignDevicePayload(d.privateKey, payload)
}

// LogValue keeps key material out of structured logs.
func (d *DeviceIdentity) LogValue() slog.Value {
	return slog.GroupValue(slog.String("device_id", d.DeviceID))
}

// identityRecord is the on-disk form. PrivateKey holds the base64url seed,
// or a sealed "enc:" value when a passphrase is in use.
type identityRecord struct {
	Version     int    `json:"version"`
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

type identityOptions struct {
	passphrase string
}

// IdentityOption configures LoadOrCreateIdentity.
type IdentityOption func(*identityOptions)

// WithPassphrase seals the private key at rest under passphrase.
func WithPassphrase(passphrase string) IdentityOption {
	return func(o *identityOptions) { o.passphrase = passphrase }
}

// LoadOrCreateIdentity loads the identity record at path, creating a new
// keypair if none exists. A corrupt record is reported as domain.ErrStorage
// and never regenerated, since a new key would break server-side trust.
func LoadOrCreateIdentity(path string, opts ...IdentityOption) (*DeviceIdentity, error) {
	var o identityOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, domain.NewDomainError("Identity.Load", domain.ErrStorage, err.Error())
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, domain.NewDomainError("Identity.Load", domain.ErrStorage, "lock: "+err.Error())
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := decodeIdentity(data, o.passphrase)
		if err != nil {
			return nil, domain.NewDomainError("Identity.Load", domain.ErrStorage, fmt.Sprintf("%s: %v", path, err))
		}
		return id, nil
	case errors.Is(err, fs.ErrNotExist):
		return createIdentity(path, o.passphrase)
	default:
		return nil, domain.NewDomainError("Identity.Load", domain.ErrStorage, err.Error())
	}
}

func createIdentity(path, passphrase string) (*DeviceIdentity, error) {
	_, priv, err := ed25519.GenerateKey(keySource)
	if err != nil {
		return nil, domain.NewDomainError("Identity.Create", domain.ErrStorage, "generate ed25519 key: "+err.Error())
	}
	id, err := NewDeviceIdentity(priv)
	if err != nil {
		return nil, domain.NewDomainError("Identity.Create", domain.ErrStorage, err.Error())
	}

	rec := identityRecord{
		Version:     identityRecordVersion,
		DeviceID:    id.DeviceID,
		PublicKey:   id.PublicKeyBase64URL(),
		PrivateKey:  base64.RawURLEncoding.EncodeToString(priv.Seed()),
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if passphrase != "" {
		rec.PrivateKey, err = Seal(priv.Seed(), passphrase)
		if err != nil {
			return nil, domain.NewDomainError("Identity.Create", domain.ErrStorage, err.Error())
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, domain.NewDomainError("Identity.Create", domain.ErrStorage, "marshal identity: "+err.Error())
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return nil, domain.NewDomainError("Identity.Create", domain.ErrStorage, err.Error())
	}
	return id, nil
}

func decodeIdentity(data []byte, passphrase string) (*DeviceIdentity, error) {
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if rec.Version != identityRecordVersion {
		return nil, fmt.Errorf("unsupported record version %d", rec.Version)
	}

	var seed []byte
	if IsSealed(rec.PrivateKey) {
		if passphrase == "" {
			return nil, fmt.Errorf("private key is sealed and no passphrase was given")
		}
		var err error
		seed, err = Open(rec.PrivateKey, passphrase)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		seed, err = base64.RawURLEncoding.DecodeString(rec.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	id, err := NewDeviceIdentity(ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, err
	}
	if rec.DeviceID != "" && rec.DeviceID != id.DeviceID {
		return nil, fmt.Errorf("device id %q does not match key", rec.DeviceID)
	}
	if rec.PublicKey != "" && rec.PublicKey != id.PublicKeyBase64URL() {
		return nil, fmt.Errorf("public key does not match private key")
	}
	return id, nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// into place so a crash never leaves a half-written record.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
