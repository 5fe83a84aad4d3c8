// Package escrow implements the custodian settlement protocol.
//
// Flow:
//  1. Payer creates an escrow → record in state created
//  2. Payer funds it → conversion runs if currencies differ, then the
//     signed transfer moves funds payer → custody (funding → funded)
//  3. Payee claims delivery and/or payer approves → release requested
//  4. Ledger confirms custody → payee transfer → released
//  5. Payer cancels instead → refund custody → payer → refunded
//
// Every state change goes through the Service: it holds a per-escrow
// lock, checks the transition guard, and persists the new state and
// any appended tx ref in a single version-checked store write.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paylance/escrowd/internal/amount"
	"github.com/paylance/escrowd/internal/convert"
	"github.com/paylance/escrowd/internal/idgen"
	"github.com/paylance/escrowd/internal/ledger"
	"github.com/paylance/escrowd/internal/metrics"
	"github.com/paylance/escrowd/internal/pagination"
	"github.com/paylance/escrowd/internal/prefs"
	"github.com/paylance/escrowd/internal/syncutil"
)

var (
	ErrNotFound        = errors.New("escrow not found")
	ErrInvalidState    = errors.New("invalid escrow state for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrSameAccount     = errors.New("payer and payee cannot be the same account")
	ErrLedgerRejected  = errors.New("ledger rejected the transfer")
	ErrProofMismatch   = errors.New("signed transfer does not match escrow terms")
	ErrVersionConflict = errors.New("escrow record modified concurrently")
)

// State represents the lifecycle position of an escrow.
type State string

const (
	StateCreated          State = "created"
	StateFunding          State = "funding"
	StateFunded           State = "funded"
	StateReleaseRequested State = "release_requested"
	StateReleased         State = "released"
	StateCancelRequested  State = "cancel_requested"
	StateCancelled        State = "cancelled"
	StateRefunded         State = "refunded"
	StateFailed           State = "failed"
)

// Default confirmation deadlines, overridable per Service.
const (
	DefaultFundingTimeout = 5 * time.Minute
	DefaultReleaseTimeout = 2 * time.Minute
)

// Record is the authoritative escrow state, one durable row per escrow.
type Record struct {
	ID             string `json:"id"`
	PayerAccount   string `json:"payerAccount"`
	PayeeAccount   string `json:"payeeAccount"`
	CustodyAccount string `json:"custodyAccount"`

	// Amount and Currency describe what custody actually holds. When a
	// conversion ran, RequestedCurrency keeps the payer's original offer.
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	RequestedCurrency string `json:"requestedCurrency,omitempty"`
	ConversionTxRef   string `json:"conversionTxRef,omitempty"`

	State State `json:"state"`

	// LedgerTxRefs is the append-only audit trail of funding, release,
	// and refund transfers, in submission order.
	LedgerTxRefs []ledger.TxRef `json:"ledgerTxRefs"`

	// In-flight transfer bookkeeping. Fingerprint is recorded before
	// submission so a duplicate request for the same target state is a
	// no-op while the prior attempt is still pending.
	PendingTxRef       ledger.TxRef `json:"pendingTxRef,omitempty"`
	PendingFingerprint string       `json:"-"`
	Deadline           *time.Time   `json:"deadline,omitempty"`

	// Release approval tracking (payer-approval policy).
	ReleaseRequestedBy string `json:"releaseRequestedBy,omitempty"`
	PayerApproved      bool   `json:"payerApproved,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`

	// Version is the optimistic-concurrency guard checked by Update.
	Version int64 `json:"version"`
}

// IsTerminal returns true if the escrow is in a final state.
func (r *Record) IsTerminal() bool {
	switch r.State {
	case StateReleased, StateCancelled, StateRefunded, StateFailed:
		return true
	}
	return false
}

// hasTxRef reports whether ref is already in the audit trail.
func (r *Record) hasTxRef(ref ledger.TxRef) bool {
	for _, t := range r.LedgerTxRefs {
		if t == ref {
			return true
		}
	}
	return false
}

// fingerprint identifies a ledger-submitting request by escrow and the
// state it is driving toward.
func fingerprint(id string, target State) string {
	return id + ":" + string(target)
}

// Store persists escrow records. Update must enforce the version check
// so two writers cannot both advance the same record.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	// ListByAccount returns records where account is payer or payee,
	// newest first. A non-nil cursor resumes after that position.
	ListByAccount(ctx context.Context, account string, limit int, cursor *pagination.Cursor) ([]*Record, error)
	// ListUnresolved returns records with an in-flight transfer or a
	// confirmation deadline, for the background sweep.
	ListUnresolved(ctx context.Context, limit int) ([]*Record, error)
	// ListHeld returns records whose funds sit in custody, for liability
	// reconciliation.
	ListHeld(ctx context.Context, limit int) ([]*Record, error)
}

// Event is an escrow lifecycle notification.
type Event struct {
	EscrowID     string       `json:"escrowId"`
	State        State        `json:"state"`
	PayerAccount string       `json:"payerAccount"`
	PayeeAccount string       `json:"payeeAccount"`
	Amount       string       `json:"amount"`
	Currency     string       `json:"currency"`
	TxRef        ledger.TxRef `json:"txRef,omitempty"`
	At           time.Time    `json:"at"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

type fanOutSink []EventSink

func (f fanOutSink) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

// FanOut combines multiple sinks into one. Nil sinks are skipped.
func FanOut(sinks ...EventSink) EventSink {
	out := make(fanOutSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	PayerAccount string `json:"payerAccount" binding:"required"`
	PayeeAccount string `json:"payeeAccount" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	Currency     string `json:"currency" binding:"required"`
}

// ActorRequest carries the explicit acting account for release/cancel.
type ActorRequest struct {
	RequestedBy string `json:"requestedBy" binding:"required"`
}

// FundRequest carries the payer-signed funding transfer.
type FundRequest struct {
	SignedTransfer ledger.SignedTransfer `json:"signedTransfer" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	ledger    ledger.Client
	converter convert.Converter
	prefs     *prefs.Service
	events    EventSink
	logger    *slog.Logger

	fundingTimeout time.Duration
	releaseTimeout time.Duration

	// custodyAccount, when set, is the ledger-controlled account every
	// escrow settles through. Empty means a synthetic per-escrow
	// account (demo mode; the in-memory ledger accepts any account).
	custodyAccount string

	// Per-escrow locks serialize state transitions (e.g. release and
	// cancel racing). Sharded so memory stays bounded across IDs.
	locks syncutil.ShardedMutex

	// now is swappable for deadline tests.
	now func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, lc ledger.Client, converter convert.Converter, prefService *prefs.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		ledger:         lc,
		converter:      converter,
		prefs:          prefService,
		logger:         logger,
		fundingTimeout: DefaultFundingTimeout,
		releaseTimeout: DefaultReleaseTimeout,
		now:            time.Now,
	}
}

// WithEventSink adds a lifecycle event sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithTimeouts overrides the confirmation deadlines.
func (s *Service) WithTimeouts(funding, release time.Duration) *Service {
	if funding > 0 {
		s.fundingTimeout = funding
	}
	if release > 0 {
		s.releaseTimeout = release
	}
	return s
}

// WithCustodyAccount pins new escrows to the account the ledger client
// can actually sign release and refund transfers from. Required
// whenever the ledger holds a single custody key.
func (s *Service) WithCustodyAccount(acct string) *Service {
	s.custodyAccount = acct
	return s
}

// Create validates the request, resolves the payee's settlement
// currency, and persists a fresh record in state created. No ledger
// transfer happens until Fund.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	offered := strings.ToUpper(req.Currency)

	if !amount.Positive(req.Amount, offered) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}
	if strings.EqualFold(req.PayerAccount, req.PayeeAccount) {
		return nil, ErrSameAccount
	}

	settlement := offered
	if s.prefs != nil {
		preferred, err := s.prefs.PreferredCurrency(ctx, req.PayeeAccount)
		if err != nil {
			return nil, fmt.Errorf("resolve settlement currency: %w", err)
		}
		settlement = preferred
	}

	custody := s.custodyAccount
	if custody == "" {
		custody = idgen.WithPrefix("cus_")
	}

	now := s.now()
	rec := &Record{
		ID:             idgen.WithPrefix("esc_"),
		PayerAccount:   req.PayerAccount,
		PayeeAccount:   req.PayeeAccount,
		CustodyAccount: custody,
		Amount:         req.Amount,
		Currency:       settlement,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if settlement != offered {
		rec.RequestedCurrency = offered
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	s.transitioned(rec, "")
	return rec, nil
}

// Fund runs the conversion step if needed, then submits the payer's
// signed transfer into custody and parks the record in funding until
// the ledger confirms. Resubmitting while the prior funding attempt is
// pending is a no-op.
func (s *Service) Fund(ctx context.Context, id string, req FundRequest) (*Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	fp := fingerprint(id, StateFunded)

	switch rec.State {
	case StateFunding:
		if rec.PendingFingerprint == fp && rec.PendingTxRef != "" {
			// Duplicate submission while the prior attempt is pending.
			return rec, nil
		}
		// Conversion succeeded earlier but the submit failed; retry it.
	case StateCreated:
		if rec.RequestedCurrency != "" && rec.RequestedCurrency != rec.Currency {
			if err := s.convertForFunding(ctx, rec); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: cannot fund escrow in state %s", ErrInvalidState, rec.State)
	}

	// The proof must move exactly this escrow's value from the payer
	// into custody. A confirmed transfer with the wrong parties or a
	// dust amount must never drive the record to funded.
	if err := validateFundingProof(rec, req.SignedTransfer); err != nil {
		return nil, err
	}

	// Record the fingerprint and intent before touching the ledger.
	deadline := s.now().Add(s.fundingTimeout)
	rec.State = StateFunding
	rec.PendingFingerprint = fp
	rec.Deadline = &deadline
	rec.UpdatedAt = s.now()
	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}

	ref, err := s.ledger.SubmitSignedTransfer(ctx, req.SignedTransfer)
	if err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues("fund", "rejected").Inc()
		// Submit never reached the ledger; roll back to created so the
		// payer can retry with a fresh proof.
		rec.State = StateCreated
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = s.now()
		if uerr := s.update(ctx, rec); uerr != nil {
			s.logger.Error("failed to roll back funding state",
				"escrowId", rec.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerRejected, err)
	}
	metrics.LedgerTransfersTotal.WithLabelValues("fund", "submitted").Inc()

	rec.PendingTxRef = ref
	rec.LedgerTxRefs = append(rec.LedgerTxRefs, ref)
	rec.UpdatedAt = s.now()
	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}

	s.transitioned(rec, ref)
	return rec, nil
}

// validateFundingProof checks the payer's signed transfer against the
// escrow terms, post-conversion: the debit comes from the payer, the
// credit lands in custody, and amount and currency equal the record's.
func validateFundingProof(rec *Record, t ledger.SignedTransfer) error {
	if !strings.EqualFold(t.From, rec.PayerAccount) {
		return fmt.Errorf("%w: transfer from %s, escrow payer is %s",
			ErrProofMismatch, t.From, rec.PayerAccount)
	}
	if !strings.EqualFold(t.To, rec.CustodyAccount) {
		return fmt.Errorf("%w: transfer to %s, custody account is %s",
			ErrProofMismatch, t.To, rec.CustodyAccount)
	}
	if !strings.EqualFold(t.Currency, rec.Currency) {
		return fmt.Errorf("%w: transfer in %s, escrow settles in %s",
			ErrProofMismatch, t.Currency, rec.Currency)
	}
	got, ok := amount.Parse(t.Amount, rec.Currency)
	if !ok {
		return fmt.Errorf("%w: malformed transfer amount %q", ErrProofMismatch, t.Amount)
	}
	want, ok := amount.Parse(rec.Amount, rec.Currency)
	if !ok {
		return fmt.Errorf("%w: malformed escrow amount %q", ErrProofMismatch, rec.Amount)
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("%w: transfer amount %s, escrow amount %s",
			ErrProofMismatch, t.Amount, rec.Amount)
	}
	return nil
}

// convertForFunding swaps the payer's offered currency into the
// settlement currency. The record stays in created on any failure.
func (s *Service) convertForFunding(ctx context.Context, rec *Record) error {
	if s.converter == nil {
		return fmt.Errorf("%w: no converter configured for %s -> %s",
			convert.ErrConversionFailed, rec.RequestedCurrency, rec.Currency)
	}

	res, err := s.converter.Convert(ctx, rec.RequestedCurrency, rec.Currency, rec.Amount)
	if err != nil {
		s.logger.Warn("conversion failed, escrow stays unfunded",
			"escrowId", rec.ID,
			"from", rec.RequestedCurrency,
			"to", rec.Currency,
			"error", err)
		return err
	}

	rec.Amount = res.ReceivedAmount
	rec.ConversionTxRef = res.TxRef
	rec.UpdatedAt = s.now()
	return s.update(ctx, rec)
}

// RequestRelease moves a funded escrow toward released. Under the
// payer-approval policy the payee's request parks the record in
// release_requested; the custody transfer is only submitted once the
// payer has approved. A payer request approves immediately.
func (s *Service) RequestRelease(ctx context.Context, id, requestedBy string) (*Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	isPayer := strings.EqualFold(requestedBy, rec.PayerAccount)
	isPayee := strings.EqualFold(requestedBy, rec.PayeeAccount)
	if !isPayer && !isPayee {
		return nil, ErrUnauthorized
	}

	switch rec.State {
	case StateFunded:
		// First entry into release_requested.
	case StateReleaseRequested:
		if rec.PayerApproved {
			// Already approved; transfer submitted or about to be. No-op
			// for duplicate requests, including payee re-claims.
			return rec, nil
		}
		if !isPayer {
			// Payee re-claiming delivery while awaiting approval.
			return rec, nil
		}
	default:
		return nil, fmt.Errorf("%w: cannot request release in state %s", ErrInvalidState, rec.State)
	}

	if isPayee && !rec.PayerApproved {
		rec.State = StateReleaseRequested
		if rec.ReleaseRequestedBy == "" {
			rec.ReleaseRequestedBy = rec.PayeeAccount
		}
		rec.UpdatedAt = s.now()
		if err := s.update(ctx, rec); err != nil {
			return nil, err
		}
		s.transitioned(rec, "")
		return rec, nil
	}

	// Payer path: approve and submit the custody → payee transfer.
	rec.PayerApproved = true
	if rec.ReleaseRequestedBy == "" {
		rec.ReleaseRequestedBy = rec.PayerAccount
	}
	return s.submitRelease(ctx, rec)
}

// submitRelease records the fingerprint, submits the custody → payee
// transfer, and parks the record in release_requested. Caller holds the
// escrow lock. On ledger rejection the record reverts to funded.
func (s *Service) submitRelease(ctx context.Context, rec *Record) (*Record, error) {
	fp := fingerprint(rec.ID, StateReleased)
	if rec.PendingFingerprint == fp && rec.PendingTxRef != "" {
		return rec, nil
	}

	deadline := s.now().Add(s.releaseTimeout)
	rec.State = StateReleaseRequested
	rec.PendingFingerprint = fp
	rec.Deadline = &deadline
	rec.UpdatedAt = s.now()
	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}

	ref, err := s.ledger.SubmitTransfer(ctx, rec.CustodyAccount, rec.PayeeAccount, rec.Amount, rec.Currency)
	if err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues("release", "rejected").Inc()
		rec.State = StateFunded
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = s.now()
		if uerr := s.update(ctx, rec); uerr != nil {
			s.logger.Error("failed to roll back release state",
				"escrowId", rec.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerRejected, err)
	}
	metrics.LedgerTransfersTotal.WithLabelValues("release", "submitted").Inc()

	rec.PendingTxRef = ref
	rec.LedgerTxRefs = append(rec.LedgerTxRefs, ref)
	rec.UpdatedAt = s.now()
	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}

	s.transitioned(rec, ref)
	return rec, nil
}

// RequestCancel cancels an escrow on the payer's behalf. Before
// custody holds funds the record goes straight to cancelled; once
// funded, a refund transfer is submitted and the record parks in
// cancel_requested until the ledger confirms.
func (s *Service) RequestCancel(ctx context.Context, id, requestedBy string) (*Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(requestedBy, rec.PayerAccount) {
		return nil, ErrUnauthorized
	}

	switch rec.State {
	case StateCreated:
		now := s.now()
		rec.State = StateCancelled
		rec.ResolvedAt = &now
		rec.UpdatedAt = now
		if err := s.update(ctx, rec); err != nil {
			return nil, err
		}
		s.transitioned(rec, "")
		return rec, nil

	case StateFunding:
		// Funds may already be moving into custody. Mark the record
		// cancelled now; the sweep refunds custody if the in-flight
		// funding transfer still lands.
		now := s.now()
		rec.State = StateCancelled
		rec.ResolvedAt = &now
		rec.UpdatedAt = now
		if rec.PendingTxRef == "" {
			// Nothing was ever submitted; no reconciliation needed.
			rec.PendingFingerprint = ""
			rec.Deadline = nil
		}
		if err := s.update(ctx, rec); err != nil {
			return nil, err
		}
		s.transitioned(rec, "")
		return rec, nil

	case StateFunded:
		return s.submitRefund(ctx, rec)

	case StateReleaseRequested:
		if rec.PendingTxRef != "" {
			return nil, fmt.Errorf("%w: release transfer already in flight", ErrInvalidState)
		}
		// Payee-initiated request awaiting approval; payer declines by
		// cancelling.
		return s.submitRefund(ctx, rec)

	default:
		return nil, fmt.Errorf("%w: cannot cancel escrow in state %s", ErrInvalidState, rec.State)
	}
}

// submitRefund records the fingerprint, submits the custody → payer
// transfer, and parks the record in cancel_requested. Caller holds the
// escrow lock.
func (s *Service) submitRefund(ctx context.Context, rec *Record) (*Record, error) {
	fp := fingerprint(rec.ID, StateRefunded)
	if rec.PendingFingerprint == fp && rec.PendingTxRef != "" {
		return rec, nil
	}

	prior := rec.State
	deadline := s.now().Add(s.releaseTimeout)
	rec.State = StateCancelRequested
	rec.PendingFingerprint = fp
	rec.Deadline = &deadline
	rec.UpdatedAt = s.now()
	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}

	ref, err := s.ledger.SubmitTransfer(ctx, rec.CustodyAccount, rec.PayerAccount, rec.Amount, rec.Currency)
	if err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues("refund", "rejected").Inc()
		rec.State = prior
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = s.now()
		if uerr := s.update(ctx, rec); uerr != nil {
			s.logger.Error("failed to roll back cancel state",
				"escrowId", rec.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerRejected, err)
	}
	metrics.LedgerTransfersTotal.WithLabelValues("refund", "submitted").Inc()

	rec.PendingTxRef = ref
	rec.LedgerTxRefs = append(rec.LedgerTxRefs, ref)
	rec.UpdatedAt = s.now()
	if err := s.update(ctx, rec); err != nil {
		return nil, err
	}

	s.transitioned(rec, ref)
	return rec, nil
}

// ConfirmFunding applies the ledger's verdict on a funding transfer.
// System-only, driven by the background sweep. Safe to call more than
// once or out of order: a record already past funding is a no-op.
func (s *Service) ConfirmFunding(ctx context.Context, id string, ref ledger.TxRef) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.State != StateFunding {
		if rec.hasTxRef(ref) {
			// Late or duplicate confirmation for a transfer already applied.
			return nil
		}
		return fmt.Errorf("%w: escrow %s is %s, not funding", ErrInvalidState, id, rec.State)
	}
	if rec.PendingTxRef != ref {
		return fmt.Errorf("%w: confirmation for unknown transfer %s", ErrInvalidState, ref)
	}

	conf, err := s.ledger.GetConfirmation(ctx, ref)
	if err != nil {
		return fmt.Errorf("get funding confirmation: %w", err)
	}

	switch conf.Status {
	case ledger.StatusPending:
		return nil
	case ledger.StatusFailed:
		metrics.LedgerTransfersTotal.WithLabelValues("fund", "failed").Inc()
		return s.failFunding(ctx, rec, conf.Error)
	case ledger.StatusConfirmed:
		metrics.LedgerTransfersTotal.WithLabelValues("fund", "confirmed").Inc()
		now := s.now()
		rec.State = StateFunded
		rec.FundedAt = &now
		rec.PendingTxRef = ""
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = now
		if err := s.update(ctx, rec); err != nil {
			return err
		}
		s.transitioned(rec, ref)
		return nil
	default:
		return fmt.Errorf("unexpected confirmation status %q for %s", conf.Status, ref)
	}
}

// ConfirmRelease applies the ledger's verdict on a release transfer.
// System-only. A failed transfer reverts the record to funded so the
// release can be retried; calling again on an already-released escrow
// is a no-op and never submits a second transfer.
func (s *Service) ConfirmRelease(ctx context.Context, id string, ref ledger.TxRef) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.State == StateReleased {
		return nil
	}
	if rec.State != StateReleaseRequested {
		return fmt.Errorf("%w: escrow %s is %s, not release_requested", ErrInvalidState, id, rec.State)
	}
	if rec.PendingTxRef != ref {
		return fmt.Errorf("%w: confirmation for unknown transfer %s", ErrInvalidState, ref)
	}

	conf, err := s.ledger.GetConfirmation(ctx, ref)
	if err != nil {
		return fmt.Errorf("get release confirmation: %w", err)
	}

	switch conf.Status {
	case ledger.StatusPending:
		return nil
	case ledger.StatusFailed:
		metrics.LedgerTransfersTotal.WithLabelValues("release", "failed").Inc()
		s.logger.Warn("release transfer failed, reverting to funded for retry",
			"escrowId", rec.ID, "txRef", ref, "reason", conf.Error)
		rec.State = StateFunded
		rec.PendingTxRef = ""
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = s.now()
		if err := s.update(ctx, rec); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrLedgerRejected, conf.Error)
	case ledger.StatusConfirmed:
		metrics.LedgerTransfersTotal.WithLabelValues("release", "confirmed").Inc()
		now := s.now()
		rec.State = StateReleased
		rec.ResolvedAt = &now
		rec.PendingTxRef = ""
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = now
		if err := s.update(ctx, rec); err != nil {
			return err
		}
		metrics.EscrowSettlementDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
		s.transitioned(rec, ref)
		return nil
	default:
		return fmt.Errorf("unexpected confirmation status %q for %s", conf.Status, ref)
	}
}

// ConfirmCancel applies the ledger's verdict on a refund transfer.
// System-only, idempotent under retry. A failed refund keeps the
// record in cancel_requested; the sweep resubmits it.
func (s *Service) ConfirmCancel(ctx context.Context, id string, ref ledger.TxRef) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if rec.State == StateRefunded {
		return nil
	}
	if rec.State != StateCancelRequested {
		return fmt.Errorf("%w: escrow %s is %s, not cancel_requested", ErrInvalidState, id, rec.State)
	}
	if rec.PendingTxRef != ref {
		return fmt.Errorf("%w: confirmation for unknown transfer %s", ErrInvalidState, ref)
	}

	conf, err := s.ledger.GetConfirmation(ctx, ref)
	if err != nil {
		return fmt.Errorf("get refund confirmation: %w", err)
	}

	switch conf.Status {
	case ledger.StatusPending:
		return nil
	case ledger.StatusFailed:
		metrics.LedgerTransfersTotal.WithLabelValues("refund", "failed").Inc()
		s.logger.Warn("refund transfer failed, will resubmit",
			"escrowId", rec.ID, "txRef", ref, "reason", conf.Error)
		// Keep the deadline so the sweep still sees this record and
		// resubmits the refund.
		rec.PendingTxRef = ""
		rec.PendingFingerprint = ""
		rec.UpdatedAt = s.now()
		if err := s.update(ctx, rec); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrLedgerRejected, conf.Error)
	case ledger.StatusConfirmed:
		metrics.LedgerTransfersTotal.WithLabelValues("refund", "confirmed").Inc()
		now := s.now()
		rec.State = StateRefunded
		rec.ResolvedAt = &now
		rec.PendingTxRef = ""
		rec.PendingFingerprint = ""
		rec.Deadline = nil
		rec.UpdatedAt = now
		if err := s.update(ctx, rec); err != nil {
			return err
		}
		s.transitioned(rec, ref)
		return nil
	default:
		return fmt.Errorf("unexpected confirmation status %q for %s", conf.Status, ref)
	}
}

// failFunding marks a funding attempt terminally failed. Caller holds
// the escrow lock.
func (s *Service) failFunding(ctx context.Context, rec *Record, reason string) error {
	s.logger.Warn("funding failed",
		"escrowId", rec.ID, "txRef", rec.PendingTxRef, "reason", reason)

	now := s.now()
	rec.State = StateFailed
	rec.ResolvedAt = &now
	rec.PendingTxRef = ""
	rec.PendingFingerprint = ""
	rec.Deadline = nil
	rec.UpdatedAt = now
	if err := s.update(ctx, rec); err != nil {
		return err
	}
	s.transitioned(rec, "")
	return nil
}

// ReconcileCancelledFunding resolves an escrow that was cancelled while
// its funding transfer was still in flight. If the transfer landed
// anyway, custody holds funds on a closed escrow and they are refunded
// to the payer. System-only, driven by the background sweep.
func (s *Service) ReconcileCancelledFunding(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateCancelled {
		return nil
	}

	fpFund := fingerprint(id, StateFunded)
	fpRefund := fingerprint(id, StateRefunded)

	switch {
	case rec.PendingFingerprint == fpFund && rec.PendingTxRef != "":
		conf, err := s.ledger.GetConfirmation(ctx, rec.PendingTxRef)
		if err != nil {
			return fmt.Errorf("get funding confirmation: %w", err)
		}
		switch conf.Status {
		case ledger.StatusPending:
			return nil
		case ledger.StatusFailed:
			// Funding never landed; nothing held in custody.
			rec.PendingTxRef = ""
			rec.PendingFingerprint = ""
			rec.Deadline = nil
			rec.UpdatedAt = s.now()
			return s.update(ctx, rec)
		case ledger.StatusConfirmed:
			s.logger.Info("funding landed on cancelled escrow, refunding payer",
				"escrowId", rec.ID, "txRef", rec.PendingTxRef)
			rec.PendingFingerprint = fpRefund
			rec.PendingTxRef = ""
			rec.UpdatedAt = s.now()
			if err := s.update(ctx, rec); err != nil {
				return err
			}
			return s.submitCancelledRefund(ctx, rec)
		}
		return nil

	case rec.PendingFingerprint == fpRefund && rec.PendingTxRef == "":
		// Refund submission failed earlier; try again.
		return s.submitCancelledRefund(ctx, rec)

	case rec.PendingFingerprint == fpRefund && rec.PendingTxRef != "":
		conf, err := s.ledger.GetConfirmation(ctx, rec.PendingTxRef)
		if err != nil {
			return fmt.Errorf("get refund confirmation: %w", err)
		}
		switch conf.Status {
		case ledger.StatusPending:
			return nil
		case ledger.StatusFailed:
			metrics.LedgerTransfersTotal.WithLabelValues("refund", "failed").Inc()
			rec.PendingTxRef = ""
			rec.UpdatedAt = s.now()
			return s.update(ctx, rec)
		case ledger.StatusConfirmed:
			metrics.LedgerTransfersTotal.WithLabelValues("refund", "confirmed").Inc()
			rec.PendingTxRef = ""
			rec.PendingFingerprint = ""
			rec.Deadline = nil
			rec.UpdatedAt = s.now()
			return s.update(ctx, rec)
		}
		return nil
	}
	return nil
}

// submitCancelledRefund sends custody funds back to the payer of an
// already-cancelled escrow. Caller holds the escrow lock and has
// persisted the refund fingerprint.
func (s *Service) submitCancelledRefund(ctx context.Context, rec *Record) error {
	ref, err := s.ledger.SubmitTransfer(ctx, rec.CustodyAccount, rec.PayerAccount, rec.Amount, rec.Currency)
	if err != nil {
		metrics.LedgerTransfersTotal.WithLabelValues("refund", "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrLedgerRejected, err)
	}
	metrics.LedgerTransfersTotal.WithLabelValues("refund", "submitted").Inc()

	deadline := s.now().Add(s.releaseTimeout)
	rec.PendingTxRef = ref
	rec.LedgerTxRefs = append(rec.LedgerTxRefs, ref)
	rec.Deadline = &deadline
	rec.UpdatedAt = s.now()
	return s.update(ctx, rec)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns escrows involving an account as payer or payee.
func (s *Service) ListByAccount(ctx context.Context, account string, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, account, limit, cursor)
}

// CustodyBalance reads the custody account balance from the ledger.
func (s *Service) CustodyBalance(ctx context.Context, id string) (string, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	bal, err := s.ledger.GetBalance(ctx, rec.CustodyAccount, rec.Currency)
	if err != nil {
		return "", fmt.Errorf("custody balance: %w", err)
	}
	return bal, nil
}

func (s *Service) update(ctx context.Context, rec *Record) error {
	if err := s.store.Update(ctx, rec); err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (s *Service) transitioned(rec *Record, ref ledger.TxRef) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(rec.State)).Inc()
	s.logger.Info("escrow state transition",
		"escrowId", rec.ID,
		"state", rec.State,
		"txRef", ref)
	if s.events != nil {
		s.events.Publish(Event{
			EscrowID:     rec.ID,
			State:        rec.State,
			PayerAccount: rec.PayerAccount,
			PayeeAccount: rec.PayeeAccount,
			Amount:       rec.Amount,
			Currency:     rec.Currency,
			TxRef:        ref,
			At:           rec.UpdatedAt,
		})
	}
}
