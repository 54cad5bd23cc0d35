// Package typeddata implements EIP-712 typed structured data encoding for
// the attestation schemas the escrow engine accepts. Identical logical
// values always produce identical bytes, and every digest is bound to both
// its schema and the deployment's signing domain, so a signature over one
// schema or one deployment can never be replayed against another.
package typeddata

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

type Field struct {
	Name string
	Type string
}

type Schema struct {
	Name   string
	Fields []Field
}

// Values holds field values keyed by field name. Accepted Go types per
// declared type: string for "string"; 0x-hex for "address" and "bytes32";
// int64, uint64 or *big.Int for "uint256" and "uint64".
type Values map[string]any

var (
	JobTerms = Schema{Name: "JobTerms", Fields: []Field{
		{Name: "title", Type: "string"},
		{Name: "description", Type: "string"},
		{Name: "currency", Type: "address"},
		{Name: "budget", Type: "uint256"},
		{Name: "deadline", Type: "uint64"},
	}}

	Offer = Schema{Name: "Offer", Fields: []Field{
		{Name: "jobId", Type: "uint256"},
		{Name: "worker", Type: "address"},
		{Name: "rate", Type: "uint256"},
		{Name: "milestones", Type: "bytes32"},
	}}

	MilestoneReceipt = Schema{Name: "MilestoneReceipt", Fields: []Field{
		{Name: "jobId", Type: "uint256"},
		{Name: "milestoneId", Type: "uint256"},
		{Name: "deliverableHash", Type: "bytes32"},
	}}
)

// SchemaMismatchError reports a value that does not satisfy its declared
// field type, or a missing field.
type SchemaMismatchError struct {
	Schema string
	Field  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: %s.%s: %s", e.Schema, e.Field, e.Reason)
}

// Domain is the EIP-712 signing domain for a deployment.
type Domain struct {
	Name    string
	Version string
	ChainID int64
}

// Separator returns the EIP-712 domain separator hash.
func (d Domain) Separator() [32]byte {
	typeHash := keccak([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	nameHash := keccak([]byte(d.Name))
	versionHash := keccak([]byte(d.Version))
	chain := padUint(new(big.Int).SetInt64(d.ChainID))

	buf := make([]byte, 0, 4*32)
	buf = append(buf, typeHash[:]...)
	buf = append(buf, nameHash[:]...)
	buf = append(buf, versionHash[:]...)
	buf = append(buf, chain[:]...)
	return keccak(buf)
}

// Encode serializes the values of s in declared field order into the
// fixed-layout byte sequence hashed by HashStruct: the schema type hash
// followed by one 32-byte word per field.
func Encode(s Schema, v Values) ([]byte, error) {
	buf := make([]byte, 0, (len(s.Fields)+1)*32)
	th := typeHash(s)
	buf = append(buf, th[:]...)
	for _, f := range s.Fields {
		raw, ok := v[f.Name]
		if !ok {
			return nil, &SchemaMismatchError{Schema: s.Name, Field: f.Name, Reason: "missing field"}
		}
		word, err := encodeField(s.Name, f, raw)
		if err != nil {
			return nil, err
		}
		buf = append(buf, word[:]...)
	}
	return buf, nil
}

// HashStruct returns keccak256 of Encode(s, v).
func HashStruct(s Schema, v Values) ([32]byte, error) {
	enc, err := Encode(s, v)
	if err != nil {
		return [32]byte{}, err
	}
	return keccak(enc), nil
}

// Digest returns the 32-byte signing digest for the values under this
// domain: keccak256(0x19 0x01 || domainSeparator || hashStruct).
func (d Domain) Digest(s Schema, v Values) ([32]byte, error) {
	hs, err := HashStruct(s, v)
	if err != nil {
		return [32]byte{}, err
	}
	sep := d.Separator()
	buf := make([]byte, 0, 2+2*32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, sep[:]...)
	buf = append(buf, hs[:]...)
	return keccak(buf), nil
}

func typeHash(s Schema) [32]byte {
	sig := s.Name + "("
	for i, f := range s.Fields {
		if i > 0 {
			sig += ","
		}
		sig += f.Type + " " + f.Name
	}
	sig += ")"
	return keccak([]byte(sig))
}

func encodeField(schema string, f Field, raw any) ([32]byte, error) {
	mismatch := func(reason string) ([32]byte, error) {
		return [32]byte{}, &SchemaMismatchError{Schema: schema, Field: f.Name, Reason: reason}
	}
	switch f.Type {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return mismatch("expected string")
		}
		return keccak([]byte(s)), nil
	case "address":
		s, ok := raw.(string)
		if !ok {
			return mismatch("expected address string")
		}
		addr, err := ParseAddress(s)
		if err != nil {
			return mismatch(err.Error())
		}
		var word [32]byte
		copy(word[12:], addr[:])
		return word, nil
	case "uint256", "uint64":
		n, err := toBig(raw)
		if err != nil {
			return mismatch(err.Error())
		}
		if n.Sign() < 0 {
			return mismatch("negative value")
		}
		max := 256
		if f.Type == "uint64" {
			max = 64
		}
		if n.BitLen() > max {
			return mismatch(fmt.Sprintf("value exceeds %s", f.Type))
		}
		return padUint(n), nil
	case "bytes32":
		switch b := raw.(type) {
		case [32]byte:
			return b, nil
		case string:
			h, err := ParseHash(b)
			if err != nil {
				return mismatch(err.Error())
			}
			return h, nil
		default:
			return mismatch("expected bytes32")
		}
	default:
		return mismatch("unsupported field type " + f.Type)
	}
}

func toBig(raw any) (*big.Int, error) {
	switch n := raw.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected integer")
	}
}

func padUint(n *big.Int) [32]byte {
	var word [32]byte
	n.FillBytes(word[:])
	return word
}

// MilestoneScheduleDigest hashes an ordered milestone schedule into the
// bytes32 an Offer commits to. Each milestone contributes its id and amount
// as consecutive 32-byte words.
func MilestoneScheduleDigest(ids, amounts []int64) [32]byte {
	buf := make([]byte, 0, len(ids)*64)
	for i := range ids {
		id := padUint(big.NewInt(ids[i]))
		amt := padUint(big.NewInt(amounts[i]))
		buf = append(buf, id[:]...)
		buf = append(buf, amt[:]...)
	}
	return keccak(buf)
}

func keccak(data []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Keccak256 exposes the codec's hash for callers that derive addresses or
// attestation references.
func Keccak256(data []byte) [32]byte {
	return keccak(data)
}
