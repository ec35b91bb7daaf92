package fetch

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/astbridge/astbuild/src/artifacts"
)

// A Verifier checks detached signatures against a public key installed on this machine.
type Verifier interface {
	// Verify returns an error unless sig is a valid signature of everything read from signed.
	Verify(signed io.Reader, sig []byte) error
}

// LoadVerifier loads a public key from the given file.
// OpenPGP keyrings (armored or binary) and PEM-encoded public keys are both accepted.
func LoadVerifier(path string) (Verifier, error) {
	key, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, artifacts.Missing(artifacts.File, path)
	} else if err != nil {
		return nil, err
	}
	return NewVerifier(key)
}

// NewVerifier returns a Verifier for the given key material.
func NewVerifier(key []byte) (Verifier, error) {
	trimmed := bytes.TrimSpace(key)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN PUBLIC KEY-----")) {
		pub, err := cryptoutils.UnmarshalPEMToPublicKey(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		verifier, err := signature.LoadVerifier(pub, crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("unsupported public key: %w", err)
		}
		return &pemVerifier{verifier: verifier}, nil
	}
	var keyring openpgp.EntityList
	var err error
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN PGP")) {
		keyring, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(trimmed))
	} else {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(key))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid keyring: %w", err)
	} else if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring contains no keys")
	}
	return &pgpVerifier{keyring: keyring}, nil
}

// pgpVerifier verifies OpenPGP detached signatures, as published alongside the LLVM releases.
type pgpVerifier struct {
	keyring openpgp.EntityList
}

func (v *pgpVerifier) Verify(signed io.Reader, sig []byte) error {
	var err error
	if bytes.HasPrefix(bytes.TrimSpace(sig), []byte("-----BEGIN PGP SIGNATURE")) {
		_, err = openpgp.CheckArmoredDetachedSignature(v.keyring, signed, bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(v.keyring, signed, bytes.NewReader(sig), nil)
	}
	return err
}

// pemVerifier verifies raw signatures made with a plain public key (e.g. ECDSA over SHA-256).
type pemVerifier struct {
	verifier signature.Verifier
}

func (v *pemVerifier) Verify(signed io.Reader, sig []byte) error {
	return v.verifier.VerifySignature(bytes.NewReader(sig), signed)
}

// A SignatureVerificationError is returned when a downloaded archive doesn't match its signature.
type SignatureVerificationError struct {
	Archive string
	Err     error
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("invalid signature on %s, possible tampering: %s", e.Archive, e.Err)
}

func (e *SignatureVerificationError) Unwrap() error {
	return e.Err
}
