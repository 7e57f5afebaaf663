package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/dsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrDecryptFailed = errors.New("crypto: decryption failed")
	ErrInvalidKey    = errors.New("crypto: invalid key")
	ErrBadSignature  = errors.New("crypto: bad signature")
)

const (
	HashSize = sha1.Size
	IVSize   = des.BlockSize
	KeySize  = 24
)

// Oakley group 2 (RFC 2409 section 6.2).
var (
	groupPrime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
			"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
			"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
			"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
			"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381"+
			"FFFFFFFFFFFFFFFF", 16)
	groupGenerator = big.NewInt(2)
)

// KeyPair is a Diffie-Hellman key pair in group 2.
type KeyPair struct {
	Private *big.Int
	Public  *big.Int
}

func GenerateKeyPair() (*KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (*KeyPair, error) {
	max := new(big.Int).Sub(groupPrime, big.NewInt(3))
	for {
		x, err := rand.Int(r, max)
		if err != nil {
			return nil, err
		}
		x.Add(x, big.NewInt(2))

		pub := new(big.Int).Exp(groupGenerator, x, groupPrime)
		if validPublic(pub) {
			return &KeyPair{Private: x, Public: pub}, nil
		}
	}
}

// validPublic rejects the degenerate values 0, 1 and p-1.
func validPublic(y *big.Int) bool {
	pm1 := new(big.Int).Sub(groupPrime, big.NewInt(1))
	return y.Cmp(big.NewInt(1)) > 0 && y.Cmp(pm1) < 0
}

func ComputeSharedSecret(kp *KeyPair, peerPublic *big.Int) (*big.Int, error) {
	if peerPublic == nil || !validPublic(peerPublic) {
		return nil, ErrInvalidKey
	}
	return new(big.Int).Exp(peerPublic, kp.Private, groupPrime), nil
}

// SessionKeys holds the client-to-server material derived from K and H.
type SessionKeys struct {
	IV         [IVSize]byte
	Encryption [KeySize]byte
	Integrity  [HashSize]byte
}

// ExchangeHash returns H = SHA1(transcript || K).
func ExchangeHash(transcript []byte, k *big.Int) []byte {
	var b cryptobyte.Builder
	b.AddBytes(transcript)
	AddBignum(&b, k)
	sum := sha1.Sum(b.BytesOrPanic())
	return sum[:]
}

func deriveKey(k *big.Int, label []byte, h []byte) [HashSize]byte {
	var b cryptobyte.Builder
	AddBignum(&b, k)
	b.AddBytes(label)
	b.AddBytes(h)
	return sha1.Sum(b.BytesOrPanic())
}

// DeriveKeys computes the client IV ("A"), encryption key ("C" extended
// once) and integrity key ("E").
func DeriveKeys(k *big.Int, h []byte) SessionKeys {
	var keys SessionKeys

	iv := deriveKey(k, []byte{'A'}, h)
	copy(keys.IV[:], iv[:IVSize])

	keys.Integrity = deriveKey(k, []byte{'E'}, h)

	k1 := deriveKey(k, []byte{'C'}, h)
	k2 := deriveKey(k, k1[:], nil)
	material := append(k1[:], k2[:]...)
	copy(keys.Encryption[:], material[:KeySize])

	return keys
}

// MAC is HMAC-SHA1 keyed with the integrity key.
func (k SessionKeys) MAC(data []byte) []byte {
	m := hmac.New(sha1.New, k.Integrity[:])
	m.Write(data)
	return m.Sum(nil)
}

// Encrypt applies 3DES-CBC with standard block padding.
func (k SessionKeys) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(k.Encryption[:])
	if err != nil {
		return nil, err
	}
	pad := IVSize - len(plaintext)%IVSize
	buf := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	cipher.NewCBCEncrypter(block, k.IV[:]).CryptBlocks(buf, buf)
	return buf, nil
}

func (k SessionKeys) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%IVSize != 0 {
		return nil, ErrDecryptFailed
	}
	block, err := des.NewTripleDESCipher(k.Encryption[:])
	if err != nil {
		return nil, err
	}
	buf := append([]byte(nil), ciphertext...)
	cipher.NewCBCDecrypter(block, k.IV[:]).CryptBlocks(buf, buf)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > IVSize || pad > len(buf) {
		return nil, ErrDecryptFailed
	}
	for _, c := range buf[len(buf)-pad:] {
		if int(c) != pad {
			return nil, ErrDecryptFailed
		}
	}
	return buf[:len(buf)-pad], nil
}

// Verify checks a DSA signature over hash.
func Verify(pub *dsa.PublicKey, hash []byte, r, s *big.Int) error {
	if pub == nil || r == nil || s == nil || !dsa.Verify(pub, hash, r, s) {
		return ErrBadSignature
	}
	return nil
}
