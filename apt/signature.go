package apt

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// VerifyResult is the tri-state outcome of release verification. The caller's
// trust policy decides whether Unsigned is acceptable; Invalid always is not.
type VerifyResult int

const (
	// Verified means a signature over the content checked out against the
	// keyring.
	Verified VerifyResult = iota
	// Unsigned means no signature was present, or no keyring was supplied
	// to check one against.
	Unsigned
	// Invalid means a signature was present but did not verify.
	Invalid
)

func (r VerifyResult) String() string {
	switch r {
	case Verified:
		return "verified"
	case Unsigned:
		return "unsigned"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// LoadKeyring reads a set of ASCII-armored public keys into a keyring.
func LoadKeyring(armoredKeys ...string) (openpgp.EntityList, error) {
	var keyring openpgp.EntityList
	for _, key := range armoredKeys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
		if err != nil {
			return nil, fmt.Errorf("reading public key: %w", err)
		}
		keyring = append(keyring, entities...)
	}
	return keyring, nil
}

// VerifyInRelease checks a clear-signed InRelease file. It returns the signed
// content with the armor stripped, and the verification outcome. Content
// that is not clear-signed at all is returned as-is with Unsigned.
func VerifyInRelease(data []byte, keyring openpgp.EntityList) ([]byte, VerifyResult, error) {
	block, _ := clearsign.Decode(data)
	if block == nil {
		return data, Unsigned, nil
	}
	if len(keyring) == 0 {
		return block.Bytes, Unsigned, nil
	}

	_, err := openpgp.CheckDetachedSignature(
		keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return block.Bytes, Invalid, err
	}
	return block.Bytes, Verified, nil
}

// VerifyDetached checks a detached Release.gpg signature over Release
// content. Both armored and binary signatures are accepted.
func VerifyDetached(content, signature []byte, keyring openpgp.EntityList) (VerifyResult, error) {
	if len(signature) == 0 {
		return Unsigned, nil
	}
	if len(keyring) == 0 {
		return Unsigned, nil
	}

	_, err := openpgp.CheckArmoredDetachedSignature(
		keyring, bytes.NewReader(content), bytes.NewReader(signature), nil)
	if err == nil {
		return Verified, nil
	}
	_, binErr := openpgp.CheckDetachedSignature(
		keyring, bytes.NewReader(content), bytes.NewReader(signature), nil)
	if binErr == nil {
		return Verified, nil
	}
	return Invalid, err
}
