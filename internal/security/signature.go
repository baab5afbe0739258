package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"strings"
)

const (
	payloadVersionLegacy = "v1"
	payloadVersion       = "v2"
	payloadSeparator     = "|"
)

// DeviceAuthParams are the connection parameters covered by the device signature.
type DeviceAuthParams struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// BuildDeviceAuthPayload returns the canonical string the device signs:
//
//	v2|deviceId|clientId|clientMode|role|scopes|signedAtMs|token|nonce
//
// The field order is part of the gateway wire contract. Without a nonce the
// legacy v1 form (no trailing nonce field) is produced.
func BuildDeviceAuthPayload(p DeviceAuthParams) string {
	version := payloadVersion
	if p.Nonce == "" {
		version = payloadVersionLegacy
	}
	fields := []string{
		version,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
	}
	if version == payloadVersion {
		fields = append(fields, p.Nonce)
	}
	return strings.Join(fields, payloadSeparator)
}

// SignDevicePayload signs the UTF-8 bytes of payload and returns the detached
// signature as unpadded base64url. Panics if priv is not a valid Ed25519 key.
func SignDevicePayload(priv ed25519.PrivateKey, payload string) string {
	sig := ed25519.Sign(priv, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyDeviceSignature checks a signature produced by SignDevicePayload.
func VerifyDeviceSignature(pub ed25519.PublicKey, payload, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}
