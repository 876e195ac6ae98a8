package handshake

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"testing"

	"github.com/corewire/framewire/jsonc"
)

func TestNIndexDeterministicAndBounded(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	n1 := NIndex(pub)
	n2 := NIndex(pub)
	if n1 != n2 {
		t.Fatalf("NIndex not deterministic: %v vs %v", n1, n2)
	}
	if n1 < 0 || n1 > 1 {
		t.Fatalf("NIndex out of range: %v", n1)
	}
}

func TestNegHashDeterministicFormat(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	n := NIndex(pub)

	h1 := NegHash(pub, n)
	h2 := NegHash(pub, n)
	if h1 != h2 {
		t.Fatalf("NegHash not deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func buildAttestedHandshake(t *testing.T, mutate func(fields map[string]*jsonc.Value)) *jsonc.Value {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	n := NIndex(pub)
	negHash := NegHash(pub, n)

	root := jsonc.Object(
		jsonc.Field{Key: "type", Value: jsonc.String("handshake")},
		jsonc.Field{Key: "version", Value: jsonc.String("v1")},
		jsonc.Field{Key: "publicKey", Value: jsonc.String(base64.StdEncoding.EncodeToString(pub))},
		jsonc.Field{Key: "negHash", Value: jsonc.String(negHash)},
		jsonc.Field{Key: "nIndex", Value: jsonc.Number(n)},
	)

	if mutate != nil {
		fields := map[string]*jsonc.Value{}
		for _, f := range root.Obj {
			fields[f.Key] = f.Value
		}
		mutate(fields)
		for i, f := range root.Obj {
			root.Obj[i].Value = fields[f.Key]
		}
	}

	canonical := jsonc.Canonicalize(root)
	sig := ed25519.Sign(priv, canonical)
	root.Obj = append(root.Obj, jsonc.Field{Key: "signature", Value: jsonc.String(base64.StdEncoding.EncodeToString(sig))})

	return root
}

func TestVerifyAttestedHandshakeSucceeds(t *testing.T) {
	root := buildAttestedHandshake(t, nil)

	meta, err := Verify(root, "v1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !meta.Attested {
		t.Fatal("expected attested metadata")
	}
	if meta.Version != "v1" {
		t.Fatalf("expected version v1, got %q", meta.Version)
	}
}

func TestVerifyRejectsAlteredNegHash(t *testing.T) {
	root := buildAttestedHandshake(t, func(fields map[string]*jsonc.Value) {
		fields["negHash"] = jsonc.String("00000000000000000000000000000000000000000000000000000000000000")
	})

	if _, err := Verify(root, "v1"); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestVerifyRejectsAlteredSignature(t *testing.T) {
	root := buildAttestedHandshake(t, nil)
	// Corrupt the signature after it was computed over the canonical form.
	for i, f := range root.Obj {
		if f.Key == "signature" {
			root.Obj[i].Value = jsonc.String(base64.StdEncoding.EncodeToString([]byte("not-a-real-signature-00000000")))
		}
	}

	if _, err := Verify(root, "v1"); err == nil {
		t.Fatal("expected bad signature error")
	}
}

func TestVerifyRejectsMissingType(t *testing.T) {
	root := jsonc.Object(jsonc.Field{Key: "version", Value: jsonc.String("v1")})
	if _, err := Verify(root, ""); err == nil {
		t.Fatal("expected missing field error")
	}
}

func TestVerifyRejectsVersionMismatch(t *testing.T) {
	root := jsonc.Object(
		jsonc.Field{Key: "type", Value: jsonc.String("handshake")},
		jsonc.Field{Key: "version", Value: jsonc.String("v2")},
	)
	if _, err := Verify(root, "v1"); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestVerifyUnattestedHandshakeCarriesTags(t *testing.T) {
	root := jsonc.Object(
		jsonc.Field{Key: "type", Value: jsonc.String("handshake")},
		jsonc.Field{Key: "version", Value: jsonc.String("v1")},
		jsonc.Field{Key: "tags", Value: jsonc.Object(
			jsonc.Field{Key: "role", Value: jsonc.String("a")},
		)},
	)

	meta, err := Verify(root, "v1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if meta.Attested {
		t.Fatal("did not expect attested metadata")
	}
	if meta.Tags["role"] != "a" {
		t.Fatalf("expected tags.role == a, got %v", meta.Tags)
	}
}

func TestNegHashFormatMatchesSixDecimalConvention(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
	}
	n := NIndex(pub)
	want := fmt.Sprintf("%.6f", n)
	if len(want) == 0 {
		t.Fatal("sanity check failed")
	}
	// NegHash is deterministic given the same (pub, n); re-derive and compare.
	if NegHash(pub, n) != NegHash(pub, n) {
		t.Fatal("NegHash should be stable across calls")
	}

	// Rebuild the digest by hand with nIndex rendered to six decimals.
	mask := byte(math.Floor(n * 255))
	h := sha256.New()
	h.Write(pub)
	for _, b := range pub {
		h.Write([]byte{b ^ mask})
	}
	h.Write([]byte(want))
	if got, exp := NegHash(pub, n), hex.EncodeToString(h.Sum(nil)); got != exp {
		t.Fatalf("NegHash = %s, want %s", got, exp)
	}
}
