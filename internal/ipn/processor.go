// Package ipn runs inbound gateway notifications through verification,
// deduplication and settlement.
package ipn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-api/internal/fulfillment"
	"settlement-api/internal/gateway"
	"settlement-api/internal/ledger"
	"settlement-api/internal/models"
	"settlement-api/internal/money"
	"settlement-api/internal/notify"
	"settlement-api/internal/orders"
	"settlement-api/pkg/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// State is where a notification ended up.
type State string

const (
	StateReceived      State = "received"
	StateVerifying     State = "verifying"
	StateVerified      State = "verified"
	StateRejected      State = "rejected"
	StateIgnored       State = "ignored"
	StateDeduplicating State = "deduplicating"
	StateDuplicate     State = "duplicate"
	StateNew           State = "new"
	StateApplying      State = "applying"
	StateFulfilled     State = "fulfilled"
	StateFailed        State = "failed"
)

// Result is the outcome of one notification.
type Result struct {
	State       State
	Disposition gateway.Disposition
	Gateway     string
	TxnID       string
	OrderID     uint
	Incident    string
	Err         error
}

// Emitter receives events once settlement has committed.
type Emitter interface {
	Emit(events ...notify.Event)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Registry    *gateway.Registry
	Orders      *orders.Service
	Ledger      *ledger.Ledger
	Fulfillment *fulfillment.Pipeline
	Notifier    Emitter
	// Timeout bounds verification and capture calls.
	Timeout time.Duration
}

// Processor settles notifications. It keeps no state between calls.
type Processor struct {
	Deps
}

// NewProcessor creates a processor.
func NewProcessor(d Deps) *Processor {
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	return &Processor{Deps: d}
}

// verified is a notification that passed the Verifying stage.
type verified struct {
	adapter gateway.Adapter
	n       *gateway.Notification
	v       *gateway.Verification
	order   *models.Order
	credit  decimal.Decimal
}

// Handle runs one notification to completion.
func (p *Processor) Handle(ctx context.Context, in *gateway.Inbound) *Result {
	res := &Result{State: StateReceived, Gateway: in.Gateway, Disposition: gateway.Retry}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}

	adapter, err := p.Registry.Get(in.Gateway)
	if err != nil {
		return p.reject(res, err)
	}
	parser, err := p.Registry.Parser(in.Gateway)
	if err != nil {
		return p.reject(res, err)
	}

	n, err := parser.ParseNotification(ctx, in)
	if err != nil {
		return p.parseFailed(ctx, res, in, err)
	}
	res.TxnID = n.TxnID
	log := logging.With("gateway", in.Gateway, "txn", n.TxnID, "kind", n.Kind)

	res.State = StateVerifying
	vn, err := p.verify(ctx, adapter, n)
	if err != nil {
		return p.verifyFailed(ctx, res, n, vn, err, log)
	}
	res.State = StateVerified
	res.OrderID = vn.order.ID

	res.State = StateDeduplicating
	txn := &models.Transaction{
		Gateway:       n.Gateway,
		ExternalTxnID: n.TxnID,
		OrderID:       vn.order.ID,
		Kind:          n.Kind,
		TxnType:       n.TxnType,
		GrossAmount:   vn.v.Amount,
		Currency:      vn.v.Currency,
		BuyerEmail:    n.BuyerEmail,
		Status:        vn.v.Status,
		Verified:      true,
		RawPayload:    datatypes.JSON(n.Raw),
		ReceivedAt:    in.ReceivedAt,
	}
	isNew, err := p.Ledger.RecordIfNew(ctx, txn)
	if err != nil {
		// nothing was written; let the gateway redeliver
		res.State = StateFailed
		res.Err = &PersistenceError{Gateway: n.Gateway, TxnID: n.TxnID, Err: err}
		log.Errorf("Ledger write failed: %v", err)
		return res
	}
	if !isNew {
		res.State = StateDuplicate
		res.Disposition = gateway.Accept
		res.Err = ErrDuplicate
		log.Infof("Duplicate notification ignored")
		return res
	}
	res.State = StateNew

	// The ledger row is the commit point. From here on the gateway is always
	// acknowledged and failures become incidents.
	res.State = StateApplying
	res.Disposition = gateway.Accept
	from, order, err := p.apply(ctx, vn, txn)
	if err != nil {
		res.State = StateFailed
		res.Err = &PersistenceError{Gateway: n.Gateway, TxnID: n.TxnID, Err: err}
		res.Incident = models.IncidentPersistenceFailure
		log.Errorf("Failed to apply verified notification to order %d: %v", vn.order.ID, err)
		p.incident(ctx, n, vn.order.ID, models.IncidentPersistenceFailure, err.Error())
		return res
	}

	res.State = StateFulfilled
	if p.Notifier != nil && order != nil {
		p.Notifier.Emit(notify.Decide(order, from, order.Status)...)
	}
	log.Infof("Notification settled - order: %d, %s -> %s", vn.order.ID, from, vn.order.Status)
	return res
}

func (p *Processor) reject(res *Result, err error) *Result {
	res.State = StateRejected
	res.Err = err
	logging.Warnf("Notification rejected - gateway: %s, error: %v", res.Gateway, err)
	return res
}

func (p *Processor) parseFailed(ctx context.Context, res *Result, in *gateway.Inbound, err error) *Result {
	n := &gateway.Notification{Gateway: in.Gateway}

	switch {
	case errors.Is(err, gateway.ErrIgnored):
		res.State = StateIgnored
		res.Disposition = gateway.Accept
		logging.Debugf("Notification ignored - gateway: %s: %v", in.Gateway, err)
		return res
	case gateway.IsVerificationError(err):
		res.Incident = models.IncidentVerificationFailure
	default:
		// a malformed payload will not improve on redelivery
		res.Incident = models.IncidentMalformed
		res.Disposition = gateway.Accept
	}

	res.State = StateRejected
	res.Err = err
	logging.Warnf("Notification rejected before verification - gateway: %s, error: %v", in.Gateway, err)
	p.incident(ctx, n, 0, res.Incident, err.Error())
	return res
}

func (p *Processor) verifyFailed(ctx context.Context, res *Result, n *gateway.Notification, vn *verified, err error, log *zap.SugaredLogger) *Result {
	res.State = StateRejected
	res.Err = err

	var orderID uint
	if vn != nil && vn.order != nil {
		orderID = vn.order.ID
		res.OrderID = orderID
	}

	if errors.Is(err, orders.ErrOrderAlreadySettled) && p.recorded(ctx, n) {
		res.State = StateDuplicate
		res.Disposition = gateway.Accept
		res.Err = ErrDuplicate
		log.Infof("Duplicate notification for settled order %d ignored", orderID)
		return res
	}

	switch {
	case gateway.IsVerificationError(err):
		res.Incident = models.IncidentVerificationFailure
		res.Disposition = gateway.Retry
	case errors.Is(err, orders.ErrOrderNotFound):
		res.Incident = models.IncidentOrderNotFound
		res.Disposition = gateway.Accept
	case errors.Is(err, orders.ErrOrderAlreadySettled):
		res.Incident = models.IncidentAlreadySettled
		res.Disposition = gateway.Accept
	case errors.Is(err, ErrInsufficientPayment), errors.Is(err, ErrUnbackedCredit):
		res.Incident = models.IncidentInsufficientPayment
		res.Disposition = gateway.Accept
	case errors.Is(err, ErrCurrencyMismatch):
		res.Incident = models.IncidentCurrencyMismatch
		res.Disposition = gateway.Accept
	case errors.Is(err, ErrNotSettleable):
		// pending or failed at the gateway; a later notification will settle it
		res.Disposition = gateway.Accept
		log.Infof("Notification not settleable yet: %v", err)
		return res
	default:
		res.Disposition = gateway.Retry
	}

	log.Warnf("Notification rejected: %v", err)
	if res.Incident != "" {
		p.incident(ctx, n, orderID, res.Incident, err.Error())
	}
	return res
}

// verify confirms the notification with the gateway and checks it against the order.
func (p *Processor) verify(ctx context.Context, adapter gateway.Adapter, n *gateway.Notification) (*verified, error) {
	vctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	if n.TxnID == "" {
		return nil, gateway.Reject(n.Gateway, "", "missing transaction id", nil)
	}

	var v *gateway.Verification
	var err error
	if sv, ok := adapter.(gateway.SignedVerifier); ok && n.Signed != "" {
		v, err = sv.VerifySigned(vctx, n)
	} else {
		v, err = adapter.Verify(vctx, n.VerificationTarget())
	}
	if err != nil {
		if !gateway.IsVerificationError(err) {
			err = gateway.Reject(n.Gateway, n.TxnID, "verification error", err)
		}
		return nil, err
	}
	if n.Currency != "" && !money.SameCurrency(n.Currency, v.Currency) {
		return nil, gateway.Reject(n.Gateway, n.TxnID,
			fmt.Sprintf("notification currency %s differs from verified %s", n.Currency, v.Currency), nil)
	}

	vn := &verified{adapter: adapter, n: n, v: v, credit: decimal.Zero}
	vn.order, err = p.lookupOrder(ctx, n)
	if err != nil {
		return vn, err
	}
	if n.Envelope != nil {
		vn.credit = n.Envelope.CreditApplied
	}

	if n.Kind == gateway.KindRefund {
		if v.Status != gateway.StatusRefunded && v.Status != gateway.StatusReversed {
			return vn, fmt.Errorf("%w: refund reported as %s", ErrNotSettleable, v.Status)
		}
		return vn, nil
	}

	switch v.Status {
	case gateway.StatusCompleted:
	case gateway.StatusAuthorized:
		if n.TxnType != gateway.TxnTypeAuthorization || !adapter.SupportsCapability(gateway.CapabilityCapture) {
			return vn, fmt.Errorf("%w: authorization without capture", ErrNotSettleable)
		}
	default:
		return vn, fmt.Errorf("%w: status %s", ErrNotSettleable, v.Status)
	}

	return vn, checkPayment(vn.order, v, vn.credit)
}

// checkPayment applies the order-side checks shared by Verifying and Applying.
// The declared credit must already be stored on the order; the balance due
// accounts for it, so the payment alone has to cover what is left.
func checkPayment(order *models.Order, v *gateway.Verification, credit decimal.Decimal) error {
	if !money.SameCurrency(order.Currency, v.Currency) {
		return fmt.Errorf("%w: order is %s, payment is %s", ErrCurrencyMismatch, order.Currency, v.Currency)
	}
	if !orders.IsPayable(order.Status) {
		return fmt.Errorf("%w: order %d is %s", orders.ErrOrderAlreadySettled, order.ID, order.Status)
	}

	if applied := orders.CreditTotal(order); credit.GreaterThan(applied) {
		return fmt.Errorf("%w: declared %s, applied %s", ErrUnbackedCredit, credit.StringFixed(2), applied.StringFixed(2))
	}
	required := orders.BalanceDue(order)
	if money.Round(v.Amount, order.Currency).LessThan(required) {
		return fmt.Errorf("%w: paid %s, due %s", ErrInsufficientPayment,
			money.Format(v.Amount, order.Currency), money.Format(required, order.Currency))
	}
	return nil
}

func (p *Processor) lookupOrder(ctx context.Context, n *gateway.Notification) (*models.Order, error) {
	if n.Envelope != nil {
		order, err := p.Orders.Get(ctx, n.Envelope.OrderID)
		if err != nil {
			return nil, err
		}
		ref := n.Envelope.Reference
		if ref == "" {
			ref = n.Reference
		}
		if ref != "" && ref != order.ReferenceString() {
			return nil, fmt.Errorf("%w: reference %q does not belong to order %d", orders.ErrOrderNotFound, ref, order.ID)
		}
		return order, nil
	}
	return p.Orders.GetByReference(ctx, n.Reference)
}

// apply settles the verified notification in one transaction. It returns the
// status the order had before and the order as committed.
func (p *Processor) apply(ctx context.Context, vn *verified, txn *models.Transaction) (string, *models.Order, error) {
	var from string
	var order *models.Order

	err := p.Orders.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = p.Orders.LoadForUpdate(tx, vn.order.ID)
		if err != nil {
			return err
		}
		from = order.Status

		// trust the persisted lines, not the loaded snapshot
		if err := orders.Recalculate(order); err != nil {
			return err
		}

		if vn.n.Kind == gateway.KindRefund {
			return p.applyRefund(ctx, tx, order, vn)
		}
		return p.applyPayment(ctx, tx, order, vn, txn)
	})
	if err != nil {
		return from, nil, err
	}
	vn.order = order
	return from, order, nil
}

func (p *Processor) applyPayment(ctx context.Context, tx *gorm.DB, order *models.Order, vn *verified, txn *models.Transaction) error {
	if err := checkPayment(order, vn.v, vn.credit); err != nil {
		return err
	}

	if vn.v.Status == gateway.StatusAuthorized {
		cctx, cancel := context.WithTimeout(ctx, p.Timeout)
		captured, err := vn.adapter.Capture(cctx, vn.n.TxnID, vn.v.Amount)
		cancel()
		if err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		if !captured {
			return fmt.Errorf("capture of %s was not completed", vn.n.TxnID)
		}
	}

	if err := p.Orders.RecordPayment(tx, order, vn.v.Amount, vn.n.Gateway); err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	logging.Infof("Order %d is %s - %s %s via %s", order.ID, models.StatusPaid,
		money.Format(vn.v.Amount, order.Currency), order.Currency, vn.n.Gateway)

	if err := p.Orders.Transition(ctx, tx, order, models.StatusProcessing, "payment "+vn.n.TxnID); err != nil {
		return err
	}
	if p.Fulfillment != nil {
		if err := p.Fulfillment.Fulfill(ctx, tx, order, txn.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applyRefund(ctx context.Context, tx *gorm.DB, order *models.Order, vn *verified) error {
	if order.Status == models.StatusRefunded || order.Status == models.StatusCanceled || order.Status == models.StatusArchived {
		logging.Infof("Refund for order %d which is already %s", order.ID, order.Status)
		return nil
	}

	amount := vn.v.Amount
	if vn.v.Cumulative {
		amount = amount.Sub(order.AmountRefunded)
		if !amount.IsPositive() {
			logging.Infof("Refund %s for order %d is already covered (%s refunded)", vn.n.TxnID, order.ID,
				money.Format(order.AmountRefunded, order.Currency))
			return nil
		}
	}

	if err := p.Orders.RecordRefund(tx, order, amount); err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}

	if order.AmountPaid.IsPositive() {
		return ledger.RecordIncidentTx(tx, &models.SettlementIncident{
			Gateway:       vn.n.Gateway,
			ExternalTxnID: vn.n.TxnID,
			OrderID:       order.ID,
			Kind:          models.IncidentPartialRefund,
			Detail: fmt.Sprintf("refunded %s, %s still paid",
				money.Format(amount, order.Currency), money.Format(order.AmountPaid, order.Currency)),
		})
	}
	return p.Orders.Transition(ctx, tx, order, models.StatusRefunded, "refund "+vn.n.TxnID)
}

// recorded reports whether the ledger already holds n. A lookup error counts as
// not recorded, so the notification falls through to the incident path.
func (p *Processor) recorded(ctx context.Context, n *gateway.Notification) bool {
	_, err := p.Ledger.Lookup(ctx, n.Gateway, n.TxnID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		logging.Errorf("Ledger lookup failed for %s/%s: %v", n.Gateway, n.TxnID, err)
	}
	return err == nil
}

func (p *Processor) incident(ctx context.Context, n *gateway.Notification, orderID uint, kind, detail string) {
	err := p.Ledger.RecordIncident(ctx, &models.SettlementIncident{
		Gateway:       n.Gateway,
		ExternalTxnID: n.TxnID,
		OrderID:       orderID,
		Kind:          kind,
		Detail:        detail,
		RawPayload:    datatypes.JSON(n.Raw),
	})
	if err != nil {
		logging.Errorf("Failed to record %s incident for %s/%s: %v", kind, n.Gateway, n.TxnID, err)
	}
}
