// Package identity defines the identities the policy reasons about: ledger
// addresses and the signer keys a smart wallet can delegate to.
package identity

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// AddressKind is the strkey version byte of an address.
type AddressKind byte

const (
	// AccountAddress is a classic ed25519 account ("G...").
	AccountAddress AddressKind = 6 << 3
	// ContractAddress is a contract instance ("C...").
	ContractAddress AddressKind = 2 << 3
)

// encodedAddressLen is base32(version[1] + payload[32] + crc16[2]).
const encodedAddressLen = 56

var ErrInvalidAddress = errors.New("identity: invalid address")

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Address is a strkey-encoded account or contract address.
type Address string

// ParseAddress validates s as an account or contract strkey.
func ParseAddress(s string) (Address, error) {
	if _, _, err := decodeAddress(s); err != nil {
		return "", err
	}
	return Address(s), nil
}

// EncodeAddress builds the strkey for a 32-byte payload.
func EncodeAddress(kind AddressKind, payload [32]byte) Address {
	raw := make([]byte, 0, 35)
	raw = append(raw, byte(kind))
	raw = append(raw, payload[:]...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16XModem(raw))
	return Address(strkeyEncoding.EncodeToString(raw))
}

// AccountFromPublicKey returns the account address for an ed25519 public key.
func AccountFromPublicKey(pub ed25519.PublicKey) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes", ErrInvalidAddress, ed25519.PublicKeySize)
	}
	var payload [32]byte
	copy(payload[:], pub)
	return EncodeAddress(AccountAddress, payload), nil
}

// Kind returns the address version, or 0 if the address is malformed.
func (a Address) Kind() AddressKind {
	kind, _, err := decodeAddress(string(a))
	if err != nil {
		return 0
	}
	return kind
}

// PublicKey returns the ed25519 key behind an account address. Contract
// addresses have no key and return an error.
func (a Address) PublicKey() (ed25519.PublicKey, error) {
	kind, payload, err := decodeAddress(string(a))
	if err != nil {
		return nil, err
	}
	if kind != AccountAddress {
		return nil, fmt.Errorf("%w: %s is not an account address", ErrInvalidAddress, a.Short())
	}
	return ed25519.PublicKey(payload[:]), nil
}

func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return a == "" }

// Short abbreviates the address for logs.
func (a Address) Short() string {
	if len(a) <= 12 {
		return string(a)
	}
	return string(a[:6]) + "…" + string(a[len(a)-4:])
}

// UnmarshalText validates the address while decoding JSON or YAML.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a), nil
}

func decodeAddress(s string) (AddressKind, [32]byte, error) {
	var payload [32]byte
	if len(s) != encodedAddressLen {
		return 0, payload, fmt.Errorf("%w: want %d characters, got %d", ErrInvalidAddress, encodedAddressLen, len(s))
	}
	raw, err := strkeyEncoding.DecodeString(s)
	if err != nil {
		return 0, payload, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 35 {
		return 0, payload, fmt.Errorf("%w: bad length", ErrInvalidAddress)
	}
	kind := AddressKind(raw[0])
	if kind != AccountAddress && kind != ContractAddress {
		return 0, payload, fmt.Errorf("%w: unsupported version byte %d", ErrInvalidAddress, raw[0])
	}
	want := binary.LittleEndian.Uint16(raw[33:])
	if crc16XModem(raw[:33]) != want {
		return 0, payload, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	copy(payload[:], raw[1:33])
	return kind, payload, nil
}

func crc16XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
