package pkce

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes the 32-byte S256 digest of a message.
type Hasher interface {
	Name() string
	Sum256(data []byte) [Size]byte
}

// Platform delegates to crypto/sha256.
type Platform struct{}

// Name implements Hasher.
func (Platform) Name() string { return "platform" }

// Sum256 implements Hasher.
func (Platform) Sum256(data []byte) [Size]byte { return sha256.Sum256(data) }

// Software uses the pure Go engine in this package.
type Software struct{}

// Name implements Hasher.
func (Software) Name() string { return "software" }

// Sum256 implements Hasher.
func (Software) Sum256(data []byte) [Size]byte { return SoftwareSum256(data) }

// probeInput/probeDigest is the FIPS 180-4 "abc" vector.
const (
	probeInput  = "abc"
	probeDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
)

// Detect picks the hasher once at startup. The platform digest is used unless
// preferSoftware is set or it fails its self-test, in which case the software engine is used.
func Detect(preferSoftware bool) Hasher {
	if preferSoftware {
		return Software{}
	}
	if probe(Platform{}) {
		return Platform{}
	}
	return Software{}
}

func probe(h Hasher) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	want, _ := hex.DecodeString(probeDigest)
	got := h.Sum256([]byte(probeInput))
	return bytes.Equal(got[:], want)
}
