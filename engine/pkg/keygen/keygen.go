// Package keygen generates custodial secp256k1 keys, derives their bech32
// addresses and seals the private halves for storage.
package keygen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cosmos/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // cosmos address derivation

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
)

// DefaultHRP is the bech32 prefix for Pocket addresses.
const DefaultHRP = "pokt"

type Config struct {
	HRP    string
	Cipher *Cipher
}

func (cfg *Config) Validate() error {
	if cfg.Cipher == nil {
		return errors.New("cipher is required")
	}
	if cfg.HRP == "" {
		cfg.HRP = DefaultHRP
	}
	return nil
}

// Generator produces sealed key material.
type Generator struct {
	cfg Config
}

func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg}, nil
}

// HRP returns the address prefix the generator encodes with.
func (g *Generator) HRP() string { return g.cfg.HRP }

// Generate creates a new key pair.
func (g *Generator) Generate(ctx context.Context) (keys.Material, error) {
	if err := ctx.Err(); err != nil {
		return keys.Material{}, err
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return keys.Material{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	return g.seal(priv)
}

// Import seals an externally sourced hex private key.
func (g *Generator) Import(privateKeyHex string) (keys.Material, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return keys.Material{}, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return keys.Material{}, fmt.Errorf("invalid private key length %d", len(raw))
	}
	return g.seal(secp256k1.PrivKeyFromBytes(raw))
}

func (g *Generator) seal(priv *secp256k1.PrivateKey) (keys.Material, error) {
	pub := priv.PubKey().SerializeCompressed()
	addr, err := Address(g.cfg.HRP, pub)
	if err != nil {
		return keys.Material{}, err
	}

	raw := priv.Serialize()
	defer clear(raw)
	sealed, err := g.cfg.Cipher.Seal(raw, []byte(addr))
	if err != nil {
		return keys.Material{}, err
	}

	return keys.Material{Address: addr, PublicKey: pub, PrivateKey: sealed}, nil
}

// Address derives the bech32 account address of a compressed public key.
func Address(hrp string, pubKey []byte) (string, error) {
	sha := sha256.Sum256(pubKey)
	h := ripemd160.New()
	h.Write(sha[:])

	data, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert address bits: %w", err)
	}
	addr, err := bech32.Encode(hrp, data)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return addr, nil
}

// ValidateAddress checks that addr is a well-formed bech32 account address
// with the given prefix.
func ValidateAddress(hrp, addr string) error {
	gotHRP, data, err := bech32.Decode(addr, 1023)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if gotHRP != hrp {
		return fmt.Errorf("invalid address %q: expected prefix %q", addr, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if len(raw) != 20 && len(raw) != 32 {
		return fmt.Errorf("invalid address %q: unexpected length %d", addr, len(raw))
	}
	return nil
}
