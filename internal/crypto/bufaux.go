package crypto

import (
	"crypto/dsa"
	"errors"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/ssh"
)

// MaxBignumLen bounds decoded integers.
const MaxBignumLen = 8 * 1024

const dssName = "ssh-dss"

var ErrMalformedKey = errors.New("crypto: malformed key blob")

// AddBignum appends n as a uint32 byte count followed by its unsigned
// big-endian magnitude. Unlike an SSH mpint there is never a sign byte.
func AddBignum(b *cryptobyte.Builder, n *big.Int) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(n.Bytes())
	})
}

// ReadBignum is the inverse of AddBignum.
func ReadBignum(s *cryptobyte.String, n *big.Int) bool {
	var raw cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&raw) || len(raw) > MaxBignumLen {
		return false
	}
	n.SetBytes(raw)
	return true
}

// AddString appends a uint32 length-prefixed string without terminator.
func AddString(b *cryptobyte.Builder, v string) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(v))
	})
}

// AddDSAKey appends "ssh-dss" p q g y.
func AddDSAKey(b *cryptobyte.Builder, pub *dsa.PublicKey) {
	AddString(b, dssName)
	AddBignum(b, pub.P)
	AddBignum(b, pub.Q)
	AddBignum(b, pub.G)
	AddBignum(b, pub.Y)
}

// ReadDSAKey reads the layout written by AddDSAKey.
func ReadDSAKey(s *cryptobyte.String) (*dsa.PublicKey, error) {
	var name cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&name) || string(name) != dssName {
		return nil, ErrMalformedKey
	}
	pub := &dsa.PublicKey{
		Parameters: dsa.Parameters{P: new(big.Int), Q: new(big.Int), G: new(big.Int)},
		Y:          new(big.Int),
	}
	if !ReadBignum(s, pub.P) || !ReadBignum(s, pub.Q) || !ReadBignum(s, pub.G) || !ReadBignum(s, pub.Y) {
		return nil, ErrMalformedKey
	}
	return pub, nil
}

// MarshalDSAKey returns the keyfile blob for pub.
func MarshalDSAKey(pub *dsa.PublicKey) []byte {
	var b cryptobyte.Builder
	AddDSAKey(&b, pub)
	return b.BytesOrPanic()
}

func ParseDSAKey(blob []byte) (*dsa.PublicKey, error) {
	s := cryptobyte.String(blob)
	return ReadDSAKey(&s)
}

// EqualDSAKeys compares every public parameter.
func EqualDSAKeys(a, b *dsa.PublicKey) bool {
	return a.P.Cmp(b.P) == 0 && a.Q.Cmp(b.Q) == 0 && a.G.Cmp(b.G) == 0 && a.Y.Cmp(b.Y) == 0
}

// Fingerprint renders the key the way OpenSSH would, for prompts and logs.
func Fingerprint(pub *dsa.PublicKey) string {
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "unknown"
	}
	return ssh.FingerprintSHA256(key)
}
