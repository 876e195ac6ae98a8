// Package handshake parses and verifies the first framed JSON payload on a
// connection configured with a protocol version, including the optional
// ed25519-attested variant that binds a public key to a derived
// "negentropic index" and hash.
package handshake

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/corewire/framewire/jsonc"
)

// Errors returned by Verify, matching spec.md §4.3/§7's error kinds.
var (
	ErrBadBase64       = errors.New("bad_base64")
	ErrHashMismatch    = errors.New("hash_mismatch")
	ErrBadSignature    = errors.New("bad_signature")
	ErrMissingField    = errors.New("missing_field")
	ErrVersionMismatch = errors.New("version mismatch")
)

// Metadata is the handshake information surfaced on the connection event
// and on every subsequent message event for that connection.
type Metadata struct {
	Version  string
	Tags     map[string]interface{}
	NIndex   float64
	NegHash  string
	Attested bool
}

// NIndex derives a scalar in [0,1] from a public key's bytes: a coherence
// ratio (first byte over the byte sum) divided by the Shannon entropy of
// the byte histogram.
func NIndex(publicKey []byte) float64 {
	h := shannonEntropy(publicKey)
	if h <= 0 {
		h = 1e-6
	}

	var sum float64
	for _, b := range publicKey {
		sum += float64(b)
	}
	if sum == 0 {
		sum = 1
	}

	var first float64
	if len(publicKey) > 0 {
		first = float64(publicKey[0])
	}

	c := first / sum
	result := c / h

	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0
	}
	return clamp01(result)
}

func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var histogram [256]int
	for _, b := range data {
		histogram[b]++
	}

	n := float64(len(data))
	var h float64
	for _, count := range histogram {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		h -= p * math.Log2(p)
	}
	return h
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// NegHash computes the SHA-256 fingerprint binding a public key to its
// derived nIndex: sha256(publicKey || salted || nIndexString), where salted
// is publicKey XORed byte-wise with a mask derived from nIndex.
func NegHash(publicKey []byte, nIndex float64) string {
	mask := byte(math.Floor(clamp01(nIndex) * 255))

	salted := make([]byte, len(publicKey))
	for i, b := range publicKey {
		salted[i] = b ^ mask
	}

	h := sha256.New()
	h.Write(publicKey)
	h.Write(salted)
	h.Write([]byte(fmt.Sprintf("%.6f", nIndex)))

	return hex.EncodeToString(h.Sum(nil))
}

// Verify parses a handshake JSON root, validates the optional ed25519
// attestation, and returns the handshake metadata to surface on the
// connection event. requiredVersion is the server's configured protocol
// version; an empty string means no version check is performed.
func Verify(root *jsonc.Value, requiredVersion string) (*Metadata, error) {
	if root == nil || root.Kind != jsonc.KindObject {
		return nil, errors.Wrap(ErrMissingField, "handshake root must be an object")
	}

	typeVal, ok := root.Get("type")
	if !ok {
		return nil, errors.Wrap(ErrMissingField, "type")
	}
	typeStr, ok := typeVal.String()
	if !ok || typeStr != "handshake" {
		return nil, errors.Wrap(ErrMissingField, `type must be "handshake"`)
	}

	meta := &Metadata{}

	if versionVal, ok := root.Get("version"); ok {
		if v, ok := versionVal.String(); ok {
			meta.Version = v
		}
	}
	if requiredVersion != "" && meta.Version != "" && meta.Version != requiredVersion {
		return nil, errors.Wrapf(ErrVersionMismatch, "got %q want %q", meta.Version, requiredVersion)
	}

	if tagsVal, ok := root.Get("tags"); ok && tagsVal.Kind == jsonc.KindObject {
		meta.Tags = make(map[string]interface{}, len(tagsVal.Obj))
		for _, f := range tagsVal.Obj {
			switch f.Value.Kind {
			case jsonc.KindString:
				meta.Tags[f.Key] = f.Value.Str
			case jsonc.KindNumber:
				meta.Tags[f.Key] = f.Value.Num
			}
		}
	}

	pubKeyVal, hasPubKey := root.Get("publicKey")
	sigVal, hasSig := root.Get("signature")
	negHashVal, hasNegHash := root.Get("negHash")
	nIndexVal, hasNIndex := root.Get("nIndex")

	if !hasPubKey || !hasSig || !hasNegHash || !hasNIndex {
		// Unattested handshake: still surface whatever metadata is present.
		if hasNegHash {
			meta.NegHash, _ = negHashVal.String()
		}
		if hasNIndex {
			meta.NIndex, _ = nIndexVal.Float()
		}
		return meta, nil
	}

	pubKeyB64, _ := pubKeyVal.String()
	sigB64, _ := sigVal.String()
	providedNegHash, _ := negHashVal.String()

	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, errors.Wrap(ErrBadBase64, "publicKey")
	}
	signature, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.Wrap(ErrBadBase64, "signature")
	}

	recomputedNIndex := NIndex(pubKey)
	recomputedNegHash := NegHash(pubKey, recomputedNIndex)

	if recomputedNegHash != providedNegHash {
		return nil, errors.Wrap(ErrHashMismatch, "negHash does not match recomputed value")
	}

	canonical := jsonc.Canonicalize(root)
	if len(pubKey) != ed25519.PublicKeySize || !ed25519.Verify(ed25519.PublicKey(pubKey), canonical, signature) {
		return nil, errors.Wrap(ErrBadSignature, "ed25519 verification failed")
	}

	meta.Attested = true
	meta.NIndex = recomputedNIndex
	meta.NegHash = recomputedNegHash

	return meta, nil
}
