// Package attest verifies typed-data attestations: given a digest, a
// 65-byte r||s||v signature and a claimed signer address, it recovers the
// signing key and checks it against the claim. Verification is stateless
// and safe to call from any goroutine; the escrow engine runs it before
// taking any per-job lock.
package attest

import (
	"crypto/subtle"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"escrowline/internal/typeddata"
)

// SignatureLen is the length of an r||s||v compact signature.
const SignatureLen = 65

type Verifier struct {
	Domain typeddata.Domain
}

// Verify reports whether sig was produced over digest by the key behind
// identity. It never panics or errors on malformed input, and the final
// address comparison is constant time.
func (v Verifier) Verify(digest [32]byte, sig []byte, identity string) bool {
	if len(sig) != SignatureLen {
		return false
	}
	rec := sig[64]
	if rec >= 27 {
		rec -= 27
	}
	if rec > 1 {
		return false
	}
	compact := make([]byte, SignatureLen)
	compact[0] = rec + 27
	copy(compact[1:], sig[:64])
	pub, _, err := secpecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return false
	}
	want, err := typeddata.ParseAddress(identity)
	if err != nil {
		return false
	}
	got := PublicKeyAddress(pub)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// VerifyAttestation is the engine's sole entry point: it digests the values
// under the schema and domain and verifies the signature against the
// claimed identity. On success it returns the attestation reference hash
// stored in the audit event that consumes the attestation; the signature
// itself is never retained.
func (v Verifier) VerifyAttestation(schema typeddata.Schema, values typeddata.Values, sig []byte, identity string) ([32]byte, bool) {
	digest, err := v.Domain.Digest(schema, values)
	if err != nil {
		return [32]byte{}, false
	}
	if !v.Verify(digest, sig, identity) {
		return [32]byte{}, false
	}
	return AttestationHash(digest, sig), true
}

// AttestationHash derives the reference recorded in audit events for a
// consumed attestation.
func AttestationHash(digest [32]byte, sig []byte) [32]byte {
	buf := make([]byte, 0, 32+len(sig))
	buf = append(buf, digest[:]...)
	buf = append(buf, sig...)
	return typeddata.Keccak256(buf)
}

// Sign produces an r||s||v signature over digest. Used by the CLI, the SDK
// and tests; the server never signs.
func Sign(digest [32]byte, key *secp256k1.PrivateKey) []byte {
	compact := secpecdsa.SignCompact(key, digest[:], false)
	sig := make([]byte, SignatureLen)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig
}

// PublicKeyAddress derives the 20-byte address of a public key.
func PublicKeyAddress(pub *secp256k1.PublicKey) [20]byte {
	raw := pub.SerializeUncompressed()
	h := typeddata.Keccak256(raw[1:])
	var addr [20]byte
	copy(addr[:], h[12:])
	return addr
}

// Address returns the canonical identity string for a private key.
func Address(key *secp256k1.PrivateKey) string {
	return typeddata.FormatAddress(PublicKeyAddress(key.PubKey()))
}

// NewKey generates a fresh secp256k1 key.
func NewKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}
