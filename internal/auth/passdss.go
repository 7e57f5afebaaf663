package auth

import (
	"bytes"
	"context"
	"crypto/dsa"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/cryptobyte"

	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/crypto"
	"gogoc-tsp/internal/status"
	"gogoc-tsp/internal/transport"
	"gogoc-tsp/internal/tsp"
)

// minKeyBlobLen is the smallest acceptable broker public key blob.
const minKeyBlobLen = 240

var (
	ErrMalformedOffer  = errors.New("auth: malformed PASSDSS server offer")
	ErrShortKeyBlob    = errors.New("auth: broker key blob too short")
	ErrMalformedSecret = errors.New("auth: malformed PASSDSS password message")
)

// ServerOffer is the broker's half of the PASSDSS-3DES-1 key exchange.
type ServerOffer struct {
	Key     *dsa.PublicKey
	KeyBlob []byte
	Y       *big.Int
	// SecMask and MaxBuf are echoed in the password message; only the
	// mask is interpreted.
	SecMask byte
	MaxBuf  uint32
	R, S    *big.Int
}

// ClientHello is the client's opening buffer: an empty authorization
// identity, the user name and the DH public value.
func ClientHello(user string, x *big.Int) []byte {
	var b cryptobyte.Builder
	b.AddUint32(0)
	crypto.AddString(&b, user)
	crypto.AddBignum(&b, x)
	return b.BytesOrPanic()
}

// ParseClientHello is the inverse of ClientHello.
func ParseClientHello(raw []byte) (string, *big.Int, error) {
	s := cryptobyte.String(raw)
	var authz uint32
	var user cryptobyte.String
	x := new(big.Int)
	if !s.ReadUint32(&authz) || !s.ReadUint32LengthPrefixed(&user) || !crypto.ReadBignum(&s, x) {
		return "", nil, ErrMalformedOffer
	}
	return string(user), x, nil
}

// secParams packs the mask byte and the 24-bit buffer size.
func (o *ServerOffer) secParams() []byte {
	return []byte{o.SecMask, byte(o.MaxBuf >> 16), byte(o.MaxBuf >> 8), byte(o.MaxBuf)}
}

// Transcript is the exchange hash input shared by both sides.
func (o *ServerOffer) Transcript(hello []byte) []byte {
	var b cryptobyte.Builder
	b.AddBytes(hello)
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(o.KeyBlob) })
	crypto.AddBignum(&b, o.Y)
	b.AddBytes(o.secParams())
	return b.BytesOrPanic()
}

// Marshal writes the offer with its signature.
func (o *ServerOffer) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(o.KeyBlob) })
	crypto.AddBignum(&b, o.Y)
	b.AddBytes(o.secParams())
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		crypto.AddString(b, "ssh-dss")
		crypto.AddBignum(b, o.R)
		crypto.AddBignum(b, o.S)
	})
	return b.BytesOrPanic()
}

// ParseServerOffer decodes the broker's reply to ClientHello.
func ParseServerOffer(raw []byte) (*ServerOffer, error) {
	s := cryptobyte.String(raw)
	var blob, sig cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&blob) {
		return nil, ErrMalformedOffer
	}
	if len(blob) < minKeyBlobLen {
		return nil, ErrShortKeyBlob
	}
	key, err := crypto.ParseDSAKey(blob)
	if err != nil {
		return nil, err
	}
	o := &ServerOffer{Key: key, KeyBlob: []byte(blob), Y: new(big.Int), R: new(big.Int), S: new(big.Int)}

	var mask uint8
	var maxBuf uint32
	if !crypto.ReadBignum(&s, o.Y) || !s.ReadUint8(&mask) || !s.ReadUint24(&maxBuf) || !s.ReadUint32LengthPrefixed(&sig) {
		return nil, ErrMalformedOffer
	}
	o.SecMask, o.MaxBuf = mask, maxBuf

	var name cryptobyte.String
	if !sig.ReadUint32LengthPrefixed(&name) || string(name) != "ssh-dss" || !crypto.ReadBignum(&sig, o.R) || !crypto.ReadBignum(&sig, o.S) {
		return nil, ErrMalformedOffer
	}
	return o, nil
}

// SealPassword builds the encrypted password message: the security
// parameters, the password and a MAC over the transcript and parameters.
func SealPassword(keys crypto.SessionKeys, transcript []byte, secMask byte, password string) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes([]byte{secMask, 0, 0, 0})
	crypto.AddString(&b, password)
	msg := b.BytesOrPanic()

	mac := keys.MAC(append(append([]byte(nil), transcript...), msg[:4]...))
	return keys.Encrypt(append(msg, mac...))
}

// OpenPassword reverses SealPassword and checks the MAC.
func OpenPassword(keys crypto.SessionKeys, transcript, sealed []byte) (string, error) {
	plain, err := keys.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	if len(plain) < 4+crypto.HashSize {
		return "", ErrMalformedSecret
	}
	msg, mac := plain[:len(plain)-crypto.HashSize], plain[len(plain)-crypto.HashSize:]
	want := keys.MAC(append(append([]byte(nil), transcript...), msg[:4]...))
	if !bytes.Equal(mac, want) {
		return "", ErrMalformedSecret
	}
	s := cryptobyte.String(msg[4:])
	var pass cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&pass) {
		return "", ErrMalformedSecret
	}
	return string(pass), nil
}

// EncodeBase64 wraps the encoding at 64 columns.
func EncodeBase64(raw []byte) string {
	enc := base64.StdEncoding.EncodeToString(raw)
	var sb strings.Builder
	for len(enc) > 64 {
		sb.WriteString(enc[:64])
		sb.WriteByte('\n')
		enc = enc[64:]
	}
	sb.WriteString(enc)
	return sb.String()
}

// DecodeBase64 ignores line breaks and surrounding blanks.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// PassDSS authenticates with a DSA-signed Diffie-Hellman exchange and sends
// the password 3DES encrypted under the derived keys.
type PassDSS struct{}

func (*PassDSS) Name() string { return "PASSDSS-3DES-1" }

func (*PassDSS) Authenticate(ctx context.Context, conn transport.Transport, p *Params) (status.Status, *broker.List) {
	if _, err := conn.Write([]byte("AUTHENTICATE PASSDSS-3DES-1\r\n")); err != nil {
		return fail(status.SocketIO), nil
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		log.WithError(err).Error("cannot generate key pair")
		return fail(status.MemoryStarvation), nil
	}
	hello := ClientHello(p.UserID, kp.Public)

	buf := newBuffer()
	n, err := conn.SendReceive([]byte(EncodeBase64(hello)+"\r\n"), buf)
	if err != nil {
		return fail(status.SocketIO), nil
	}
	reply := buf[:n]
	if st, l, ok := redirected(ctx, p, reply); ok {
		return st, l
	}
	if tsp.StatusCode(reply) == tsp.CodeAuthFailed {
		return fail(status.AuthenticationFailure), nil
	}

	raw, err := DecodeBase64(string(reply))
	if err != nil {
		log.WithError(err).Error("invalid PASSDSS server offer")
		return fail(status.AuthenticationFailure), nil
	}
	offer, err := ParseServerOffer(raw)
	if err != nil {
		log.WithError(err).Error("invalid PASSDSS server offer")
		return fail(status.AuthenticationFailure), nil
	}

	if err := p.KeyFile.Trust(p.Server, offer.Key, p.AutoAccept, p.Prompter); err != nil {
		log.WithError(err).WithField("server", p.Server).Error("broker key not trusted")
		return fail(status.AuthenticationFailure), nil
	}

	k, err := crypto.ComputeSharedSecret(kp, offer.Y)
	if err != nil {
		log.WithError(err).Error("key agreement failed")
		return fail(status.AuthenticationFailure), nil
	}
	transcript := offer.Transcript(hello)
	h := crypto.ExchangeHash(transcript, k)
	if err := crypto.Verify(offer.Key, h, offer.R, offer.S); err != nil {
		log.WithError(err).Error("broker signature rejected")
		return fail(status.AuthenticationFailure), nil
	}

	sealed, err := SealPassword(crypto.DeriveKeys(k, h), transcript, offer.SecMask, p.Password)
	if err != nil {
		log.WithError(err).Error("cannot encrypt password")
		return fail(status.AuthenticationFailure), nil
	}
	n, err = conn.SendReceive([]byte(EncodeBase64(sealed)+"\r\n"), buf)
	if err != nil {
		return fail(status.SocketIO), nil
	}
	reply = buf[:n]
	if st, l, ok := redirected(ctx, p, reply); ok {
		return st, l
	}
	return verdict(reply, p.UserID), nil
}
