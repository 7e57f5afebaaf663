package auth

import (
	"bufio"
	"crypto/dsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/crypto"
)

var (
	ErrKeyRejected = errors.New("auth: broker key rejected")
	ErrKeyMismatch = errors.New("auth: broker key does not match the recorded key")
)

// KeyCheck is the outcome of looking a broker key up in the keyfile.
type KeyCheck int

const (
	KeyUnknown KeyCheck = iota
	KeyMatch
	KeyMismatch
)

func (k KeyCheck) String() string {
	switch k {
	case KeyMatch:
		return "match"
	case KeyMismatch:
		return "mismatch"
	}
	return "unknown"
}

// Prompter asks the operator a yes/no question.
type Prompter interface {
	Confirm(question string) bool
}

// StdinPrompter reads the answer from In, writing the question to Out.
type StdinPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p StdinPrompter) Confirm(question string) bool {
	in, out := p.In, p.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "%s (Y/N) ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

// KeyFile records the DSA keys of known brokers, one per line:
//
//	<host> ssh-dss <base64 key blob>
type KeyFile struct {
	Path string
}

// Check compares pub with the first entry recorded for host.
func (f *KeyFile) Check(host string, pub *dsa.PublicKey) (KeyCheck, error) {
	fd, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return KeyUnknown, nil
	}
	if err != nil {
		return KeyUnknown, err
	}
	defer fd.Close()

	sc := bufio.NewScanner(fd)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || fields[0] != host || fields[1] != "ssh-dss" {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return KeyMismatch, nil
		}
		known, err := crypto.ParseDSAKey(blob)
		if err != nil || !crypto.EqualDSAKeys(known, pub) {
			return KeyMismatch, nil
		}
		return KeyMatch, nil
	}
	return KeyUnknown, sc.Err()
}

// Add appends pub as the key of host.
func (f *KeyFile) Add(host string, pub *dsa.PublicKey) error {
	fd, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(fd, "%s ssh-dss %s\n", host, base64.StdEncoding.EncodeToString(crypto.MarshalDSAKey(pub)))
	if cerr := fd.Close(); err == nil {
		err = cerr
	}
	return err
}

// Trust decides whether pub is acceptable for host. A known matching key is
// trusted, a different key never is. An unknown key is accepted when
// autoAccept is set or the operator confirms it, and is then recorded.
// A nil KeyFile records nothing.
func (f *KeyFile) Trust(host string, pub *dsa.PublicKey, autoAccept bool, p Prompter) error {
	check := KeyUnknown
	if f != nil {
		var err error
		if check, err = f.Check(host, pub); err != nil {
			return err
		}
	}

	switch check {
	case KeyMatch:
		return nil
	case KeyMismatch:
		log.WithFields(log.Fields{"host": host, "fingerprint": crypto.Fingerprint(pub)}).
			Error("broker key changed since it was recorded")
		return ErrKeyMismatch
	}

	fp := crypto.Fingerprint(pub)
	if !autoAccept {
		if p == nil || !p.Confirm(fmt.Sprintf("Unknown broker key for %s, fingerprint %s. Accept it?", host, fp)) {
			return ErrKeyRejected
		}
	}
	log.WithFields(log.Fields{"host": host, "fingerprint": fp}).Info("accepting broker key")
	if f == nil {
		return nil
	}
	return f.Add(host, pub)
}
