// internal/domain/checkout/probe.go
package checkout

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/your-org/checkout-engine/internal/pkg/apperrors"
	"gorm.io/gorm"
)

// TxMode selects how multi-step checkout work is made atomic
type TxMode string

const (
	// TxAuto uses database transactions when the probe finds them usable
	TxAuto TxMode = "auto"
	// TxAlways requires transactions
	TxAlways TxMode = "always"
	// TxNever always runs the compensating sequence
	TxNever TxMode = "never"
)

// ParseTxMode validates a configured transaction mode
func ParseTxMode(s string) (TxMode, error) {
	switch TxMode(s) {
	case TxAuto, TxAlways, TxNever:
		return TxMode(s), nil
	case "":
		return TxAuto, nil
	}
	return "", fmt.Errorf("unknown transaction mode %q", s)
}

// TxProbe decides once per process whether checkout steps run inside one
// database transaction or as a compensating sequence.
type TxProbe struct {
	db      *gorm.DB
	mode    TxMode
	require bool
	log     logrus.FieldLogger

	once      sync.Once
	supported bool
	probeErr  error
}

// NewTxProbe creates a probe. With require set, missing transaction support
// is a hard failure instead of a fallback.
func NewTxProbe(db *gorm.DB, mode TxMode, require bool, log logrus.FieldLogger) *TxProbe {
	return &TxProbe{db: db, mode: mode, require: require || mode == TxAlways, log: log}
}

// Transactional reports whether to use transactions. The first call probes the
// store; the answer is cached for the life of the process.
func (p *TxProbe) Transactional(ctx context.Context) (bool, error) {
	p.once.Do(func() {
		if p.mode == TxNever {
			p.supported = false
		} else {
			p.supported, p.probeErr = p.probe(ctx)
		}

		fields := logrus.Fields{"mode": p.mode, "transactional": p.supported}
		if p.probeErr != nil {
			p.log.WithError(p.probeErr).WithFields(fields).Warn("Transaction probe failed")
		} else {
			p.log.WithFields(fields).Info("Checkout execution strategy selected")
		}
	})

	if !p.supported && p.require {
		return false, apperrors.Wrap(apperrors.CodeTransactionsRequired,
			"multi-step transactions are required but the store does not support them", p.probeErr)
	}
	return p.supported, nil
}

// probe opens a transaction, sets and rolls back to a savepoint, and rolls
// the transaction back. The ledgers rely on savepoints for nested inserts.
func (p *TxProbe) probe(ctx context.Context) (bool, error) {
	tx := p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, fmt.Errorf("begin: %w", tx.Error)
	}
	defer tx.Rollback()

	if err := tx.Exec("SELECT 1").Error; err != nil {
		return false, fmt.Errorf("query in transaction: %w", err)
	}
	if err := tx.SavePoint("checkout_probe").Error; err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	if err := tx.RollbackTo("checkout_probe").Error; err != nil {
		return false, fmt.Errorf("rollback to savepoint: %w", err)
	}
	return true, nil
}
