package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/supplierpool/engine/pkg/keygen"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
)

// ImportKeyRecord is one line of an import file.
type ImportKeyRecord struct {
	PrivateKey     string     `json:"private_key"`
	Address        string     `json:"address,omitempty"`
	AddressGroupID *uuid.UUID `json:"address_group_id,omitempty"`
	OwnerAddress   string     `json:"owner_address,omitempty"`
}

type ImportKeysConfig struct {
	Store     store.Store
	Generator *keygen.Generator
	DryRun    bool
}

type ImportKeysSummary struct {
	Imported int
	Skipped  int
}

// ImportKeys reads newline-delimited JSON records and inserts each key in the
// imported state. Keys already in the pool are skipped, so a file can be
// re-run after a partial failure.
func ImportKeys(ctx context.Context, log *slog.Logger, r io.Reader, cfg ImportKeysConfig) (ImportKeysSummary, error) {
	var summary ImportKeysSummary
	if cfg.Store == nil || cfg.Generator == nil {
		return summary, errors.New("store and generator are required")
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	for line := 1; ; line++ {
		var rec ImportKeyRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return summary, fmt.Errorf("record %d: invalid JSON: %w", line, err)
		}

		material, err := cfg.Generator.Import(rec.PrivateKey)
		if err != nil {
			return summary, fmt.Errorf("record %d: %w", line, err)
		}
		if rec.Address != "" && rec.Address != material.Address {
			return summary, fmt.Errorf("record %d: address %s does not match private key (derived %s)", line, rec.Address, material.Address)
		}

		key := keys.Key{
			ID:             uuid.New(),
			Address:        material.Address,
			PublicKey:      material.PublicKey,
			PrivateKey:     material.PrivateKey,
			OwnerAddress:   rec.OwnerAddress,
			AddressGroupID: rec.AddressGroupID,
			State:          keys.StateImported,
		}

		if cfg.DryRun {
			log.Info("[DRY RUN] would import key", "address", key.Address, "address_group_id", rec.AddressGroupID)
			summary.Imported++
			continue
		}

		err = cfg.Store.WithTx(ctx, func(tx store.KeyStore) error {
			return tx.Insert(ctx, key)
		})
		switch {
		case errors.Is(err, store.ErrConflict):
			log.Info("key already in pool, skipping", "address", key.Address)
			summary.Skipped++
		case err != nil:
			return summary, fmt.Errorf("record %d: failed to import %s: %w", line, key.Address, err)
		default:
			log.Info("imported key", "key", key)
			summary.Imported++
		}
	}

	log.Info("key import completed", "imported", summary.Imported, "skipped", summary.Skipped, "dry_run", cfg.DryRun)
	return summary, nil
}
