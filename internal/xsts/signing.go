// Package xsts implements the Signed-Request Client of §4.5: the
// device-token/SISU/XSTS chain Minecraft identity linking depends on.
// Each request to Xbox Live's endpoints is authenticated with a binary
// signed envelope over an ECDSA-P256 device key rather than a bearer
// token, per Microsoft's undocumented but stable signed-request scheme.
package xsts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

// signaturePolicyVersion is the constant leading field of every signed
// envelope; Microsoft's clients have used version 1 since the scheme's
// introduction and there is no negotiation.
const signaturePolicyVersion = 1

// windowsFileTime converts a wall-clock instant to the 100ns-tick,
// 1601-epoch integer Xbox Live's signed envelope requires.
func windowsFileTime(t time.Time) uint64 {
	return uint64(t.Unix()+11644473600) * 10000000
}

// DeviceKey is the per-install P-256 keypair a game client generates once
// and registers as a device token (§4.5).
type DeviceKey struct {
	Private *ecdsa.PrivateKey
	X, Y    string // base64url, no padding — the JWK coordinates sent in ProofKey
}

// GenerateDeviceKey creates a new P-256 signing key for first-time device
// registration.
func GenerateDeviceKey() (DeviceKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return DeviceKey{}, fmt.Errorf("xsts: failed to generate device key: %w", err)
	}
	return DeviceKey{
		Private: priv,
		X:       base64.RawURLEncoding.EncodeToString(priv.PublicKey.X.Bytes()),
		Y:       base64.RawURLEncoding.EncodeToString(priv.PublicKey.Y.Bytes()),
	}, nil
}

// LoadDeviceKey reconstructs a DeviceKey from its stored scalar and public
// coordinates (as persisted in dbx.MinecraftDeviceToken).
func LoadDeviceKey(dHex, xB64, yB64 string) (DeviceKey, error) {
	d, ok := new(big.Int).SetString(dHex, 16)
	if !ok {
		return DeviceKey{}, fmt.Errorf("xsts: invalid stored private scalar")
	}
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = elliptic.P256()
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(d.Bytes())
	return DeviceKey{Private: priv, X: xB64, Y: yB64}, nil
}

// PrivateScalarHex is the form persisted to dbx.MinecraftDeviceToken.PrivateKeyD.
func (k DeviceKey) PrivateScalarHex() string {
	return k.Private.D.Text(16)
}

// signEnvelope builds the binary payload described in §4.5 and signs it,
// returning the base64-encoded Signature header value.
func signEnvelope(key DeviceKey, now time.Time, urlPath, authorization string, body []byte) (string, error) {
	ft := windowsFileTime(now)

	buf := make([]byte, 0, 32+len(urlPath)+len(authorization)+len(body))
	var tmp [8]byte

	binary.BigEndian.PutUint32(tmp[:4], signaturePolicyVersion)
	buf = append(buf, tmp[:4]...)
	buf = append(buf, 0)
	binary.BigEndian.PutUint64(tmp[:], ft)
	buf = append(buf, tmp[:]...)
	buf = append(buf, 0)
	buf = append(buf, "POST"...)
	buf = append(buf, 0)
	buf = append(buf, urlPath...)
	buf = append(buf, 0)
	buf = append(buf, authorization...)
	buf = append(buf, 0)
	buf = append(buf, body...)
	buf = append(buf, 0)

	digest := sha256.Sum256(buf)
	r, s, err := ecdsa.Sign(rand.Reader, key.Private, digest[:])
	if err != nil {
		return "", fmt.Errorf("xsts: failed to sign request: %w", err)
	}

	rBytes := leftPad(r.Bytes(), 32)
	sBytes := leftPad(s.Bytes(), 32)

	sig := make([]byte, 0, 4+8+len(rBytes)+len(sBytes))
	var itmp [4]byte
	binary.BigEndian.PutUint32(itmp[:], signaturePolicyVersion)
	sig = append(sig, itmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], ft)
	sig = append(sig, tmp[:]...)
	sig = append(sig, rBytes...)
	sig = append(sig, sBytes...)

	return base64.StdEncoding.EncodeToString(sig), nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	padded := make([]byte, size)
	copy(padded[size-len(b):], b)
	return padded
}
