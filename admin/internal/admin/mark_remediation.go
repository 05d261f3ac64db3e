package admin

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/supplierpool/engine/pkg/reconcile"
	"github.com/malbeclabs/supplierpool/engine/pkg/store"
)

// MarkForRemediation resets a flagged key to staked and prints its ledger so
// the operator sees what was detected.
func MarkForRemediation(ctx context.Context, log *slog.Logger, st store.Store, keyID uuid.UUID, dryRun bool) error {
	key, err := st.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	history, err := st.History(ctx, keyID)
	if err != nil {
		return err
	}
	for _, e := range history {
		log.Info("remediation history", "height", e.Height, "reason", e.Reason, "message", e.Message)
	}

	if dryRun {
		log.Info("[DRY RUN] would mark key for remediation", "key", key)
		return nil
	}
	if err := reconcile.MarkForRemediation(ctx, st, keyID); err != nil {
		return err
	}
	log.Info("key marked for remediation", "key", key)
	return nil
}
