package send

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-custody/internal/chain"
	"github.com/klingon-exchange/klingon-custody/internal/evm"
	"github.com/klingon-exchange/klingon-custody/internal/storage"
	"github.com/klingon-exchange/klingon-custody/pkg/logging"
)

// Confirmer reads the receipt of an account-chain transaction.
type Confirmer interface {
	Confirm(ctx context.Context, hash string) (*evm.Receipt, error)
}

// Recorder persists a canonical transaction.
type Recorder interface {
	Record(ctx context.Context, rec *storage.TxRecord) (bool, error)
}

// TrackerConfig configures the tracker loop.
type TrackerConfig struct {
	PollInterval    time.Duration // how often pending rows are checked
	CleanupInterval time.Duration // how often finished rows are purged
	BatchSize       int           // max rows per poll
	MaxAttempts     int           // polls before a row is dropped
	CallTimeout     time.Duration // per node call
	RetentionPeriod time.Duration // how long finished rows are kept
}

// DefaultTrackerConfig returns the default configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		PollInterval:    15 * time.Second,
		CleanupInterval: 1 * time.Hour,
		BatchSize:       50,
		MaxAttempts:     240, // one hour at the default interval
		CallTimeout:     10 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// Tracker follows broadcast transactions until they are confirmed, failed
// or dropped. Account-chain rows are resolved from their receipt; UTXO rows
// are recorded as canonical on the first pass.
type Tracker struct {
	storage  *storage.Storage
	account  Confirmer
	recorder Recorder
	notifier Notifier
	config   TrackerConfig
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker. account may be nil when no node is
// configured; account-chain rows then stay pending until dropped.
func NewTracker(store *storage.Storage, account Confirmer, recorder Recorder, notifier Notifier, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		storage:  store,
		account:  account,
		recorder: recorder,
		notifier: notifier,
		config:   cfg,
		log:      logging.GetDefault().Component("tracker"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLogger replaces the tracker's logger.
func (t *Tracker) SetLogger(log *logging.Logger) {
	t.log = log
}

// Start starts the tracker goroutine.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Info("Tracker started", "poll_interval", t.config.PollInterval, "max_attempts", t.config.MaxAttempts)
}

// Stop stops the tracker and waits for the current pass to finish.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Info("Tracker stopped")
}

func (t *Tracker) run() {
	defer t.wg.Done()

	pollTicker := time.NewTicker(t.config.PollInterval)
	cleanupTicker := time.NewTicker(t.config.CleanupInterval)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	t.cleanup()
	t.poll(t.ctx)

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-pollTicker.C:
			t.poll(t.ctx)
		case <-cleanupTicker.C:
			t.cleanup()
		}
	}
}

func (t *Tracker) cleanup() {
	n, err := t.storage.CleanupPending(time.Now().Add(-t.config.RetentionPeriod))
	if err != nil {
		t.log.Warn("Failed to clean up finished transactions", "error", err)
		return
	}
	if n > 0 {
		t.log.Info("Cleaned up finished transactions", "count", n)
	}
}

// poll processes one batch of pending rows.
func (t *Tracker) poll(ctx context.Context) {
	rows, err := t.storage.ListPending(t.config.BatchSize)
	if err != nil {
		t.log.Warn("Failed to list pending transactions", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	t.log.Debug("Processing pending transactions", "count", len(rows))

	for _, p := range rows {
		select {
		case <-ctx.Done():
			return
		default:
		}

		attempts, err := t.storage.IncrementPendingAttempts(p.Hash)
		if err != nil {
			t.log.Warn("Failed to count attempt", "hash", p.Hash, "error", err)
			continue
		}

		switch chain.Family(p.Family) {
		case chain.FamilyUTXO:
			t.recordUTXO(ctx, p)
		case chain.FamilyAccount:
			t.checkAccount(ctx, p, attempts)
		default:
			t.finish(p, storage.PendingStatusFailed, EventTxFailed, fmt.Sprintf("unknown family %q", p.Family))
		}
	}
}

// recordUTXO persists a broadcast BTC transaction as canonical.
func (t *Tracker) recordUTXO(ctx context.Context, p *storage.PendingTx) {
	_, err := t.recorder.Record(ctx, &storage.TxRecord{
		Hash:      p.Hash,
		From:      p.From,
		To:        p.To,
		Value:     p.Value,
		Fee:       p.Fee,
		Symbol:    p.Asset,
		Timestamp: p.SubmittedAt.Unix(),
	})
	if err != nil {
		t.log.Warn("Failed to record transaction", "hash", p.Hash, "error", err)
		return
	}
	t.finish(p, storage.PendingStatusConfirmed, EventTxConfirmed, "")
}

// checkAccount resolves an account-chain row from its receipt.
func (t *Tracker) checkAccount(ctx context.Context, p *storage.PendingTx, attempts int) {
	if t.account == nil {
		t.dropIfExhausted(p, attempts, "no node configured")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, t.config.CallTimeout)
	receipt, err := t.account.Confirm(cctx, p.Hash)
	cancel()
	if err != nil {
		t.log.Debug("Receipt unavailable", "hash", p.Hash, "attempts", attempts, "error", err)
		t.dropIfExhausted(p, attempts, err.Error())
		return
	}

	switch receipt.Status {
	case evm.StatusPending:
		t.dropIfExhausted(p, attempts, "not mined")

	case evm.StatusFailed:
		t.finish(p, storage.PendingStatusFailed, EventTxFailed, "reverted")

	case evm.StatusConfirmed:
		rec := &storage.TxRecord{
			Hash:        p.Hash,
			Contract:    p.Contract,
			From:        p.From,
			To:          p.To,
			Value:       p.Value,
			BlockNumber: strconv.FormatUint(receipt.BlockNumber, 10),
			Fee:         p.Fee,
			FeePrice:    p.FeePrice,
			Symbol:      p.Asset,
			Timestamp:   time.Now().Unix(),
		}
		if fee := receipt.Fee(); fee != nil {
			rec.Fee = fee.String()
			rec.FeePrice = receipt.GasPrice.String()
		}
		if _, err := t.recorder.Record(ctx, rec); err != nil {
			t.log.Warn("Failed to record transaction", "hash", p.Hash, "error", err)
			return
		}
		t.finish(p, storage.PendingStatusConfirmed, EventTxConfirmed, "")
	}
}

func (t *Tracker) dropIfExhausted(p *storage.PendingTx, attempts int, reason string) {
	if attempts < t.config.MaxAttempts {
		return
	}
	t.finish(p, storage.PendingStatusDropped, EventTxDropped, reason)
}

func (t *Tracker) finish(p *storage.PendingTx, status storage.PendingStatus, event, reason string) {
	if err := t.storage.UpdatePendingStatus(p.Hash, status, reason); err != nil {
		t.log.Warn("Failed to update transaction status", "hash", p.Hash, "status", status, "error", err)
		return
	}
	t.log.Info("Transaction "+string(status), "hash", p.Hash, "asset", p.Asset, "reason", reason)
	notify(t.notifier, event, p, string(status), reason)
}
