// Package loanapp tracks a loan application across the asynchronous
// message exchanges with ESS and drives the corresponding CBS actions.
package loanapp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/umojafsp/essbridge/pkg/affordability"
	"github.com/umojafsp/essbridge/pkg/httpx"
	"github.com/umojafsp/essbridge/pkg/msgid"
	"github.com/umojafsp/essbridge/pkg/wire"
	"github.com/umojafsp/essbridge/services/bridge/internal/cbs"
	"github.com/umojafsp/essbridge/services/bridge/internal/dispatch"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

// ApplicationStore is the persistence surface the service needs. The pgx
// store satisfies it; tests use an in-memory fake.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app store.LoanApplication, entry store.AuditEntry) error
	GetByESSApplicationNumber(ctx context.Context, essAppNo string) (*store.LoanApplication, error)
	Transition(ctx context.Context, essAppNo string, from []string, to string, entry store.AuditEntry) error
	SetClientCreated(ctx context.Context, essAppNo string, from []string, clientID string, entry store.AuditEntry) error
	SetLoanCreated(ctx context.Context, essAppNo string, from []string, loanID, accountNo, alias string, entry store.AuditEntry) error
	SnapshotBorrower(ctx context.Context, essAppNo, name, nin, mobile, account string) error
	AppendAudit(ctx context.Context, essAppNo string, entry store.AuditEntry) error
}

// CBSGateway is the banking-system surface consumed by the pipeline.
type CBSGateway interface {
	CreateClient(ctx context.Context, req cbs.CreateClientRequest) (string, error)
	CreateLoan(ctx context.Context, req cbs.CreateLoanRequest) (loanID, accountNo string, err error)
	Disburse(ctx context.Context, loanID string, amount decimal.Decimal) (string, error)
	FetchOutstanding(ctx context.Context, loanID string) (decimal.Decimal, error)
}

// Notifier delivers sealed documents to ESS.
type Notifier interface {
	Deliver(ctx context.Context, n dispatch.Notification) error
}

// Sealer signs an outbound message into wire bytes.
type Sealer interface {
	SealDocument(m *wire.Message) ([]byte, error)
}

// ProductTerms carries the product limits used by affordability and the
// CBS loan account.
type ProductTerms struct {
	Code               string
	MaxTenureMonths    int
	AnnualInterestRate float64
	MinLoanAmount      decimal.Decimal
	ProcessingFeePct   float64
	InsurancePct       float64
	OfficeID           int
}

type Config struct {
	FSPCode string
	ESSName string
	Product ProductTerms
}

type Service struct {
	cfg      Config
	store    ApplicationStore
	cbs      CBSGateway
	notifier Notifier
	sealer   Sealer
	logger   zerolog.Logger
	locks    *appLocks
}

func NewService(cfg Config, st ApplicationStore, gateway CBSGateway, notifier Notifier, sealer Sealer, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		cbs:      gateway,
		notifier: notifier,
		sealer:   sealer,
		logger:   logger.With().Str("component", "loanapp").Logger(),
		locks:    newAppLocks(),
	}
}

// FollowUp is deferred work triggered by an inbound message, run after
// the synchronous acknowledgment has been written (the server runs it on
// its own goroutine with a detached context).
type FollowUp func(ctx context.Context)

// HandleMessage routes a verified inbound message. It always returns a
// synchronous reply message; processing errors become a rejected
// RESPONSE, never a fault.
func (s *Service) HandleMessage(ctx context.Context, msg *wire.Message, raw []byte) (*wire.Message, FollowUp) {
	if msg.Unknown {
		// Forward compatibility: acknowledge receipt without processing.
		s.logger.Info().Str("message_type", msg.Header.MessageType).Str("msg_id", msg.Header.MsgID).
			Msg("unknown message type acknowledged without processing")
		return s.ack(msg, wire.CodeAccepted, "Received"), nil
	}

	switch msg.Header.MessageType {
	case wire.TypeChargesRequest:
		return s.handleChargesRequest(ctx, msg, raw), nil
	case wire.TypeOfferRequest:
		return s.handleOfferRequest(ctx, msg, raw), nil
	case wire.TypeFinalApproval:
		return s.handleFinalApproval(ctx, msg, raw)
	case wire.TypeLiquidationRequest:
		return s.handleLiquidationRequest(ctx, msg, raw), nil
	case wire.TypePaymentAcknowledgment:
		return s.handlePaymentAcknowledgment(ctx, msg, raw), nil
	default:
		// Known outbound-only types arriving inbound are acknowledged
		// and audited, nothing more.
		s.audit(ctx, msg.Get("ApplicationNumber"), msg, raw, "inbound message of outbound-only type")
		return s.ack(msg, wire.CodeAccepted, "Received"), nil
	}
}

// handleChargesRequest answers a stateless affordability quote. Nothing
// is persisted beyond the audit record: the quoted stage is transient.
func (s *Service) handleChargesRequest(ctx context.Context, msg *wire.Message, raw []byte) *wire.Message {
	res := s.computeAffordability(msg)
	s.audit(ctx, msg.Get("CheckNumber"), msg, raw, fmt.Sprintf("charges quoted mode=%s eligible=%s", res.Mode, res.EligibleAmount))

	fees := res.EligibleAmount.Mul(decimal.NewFromFloat(s.cfg.Product.ProcessingFeePct / 100)).Round(2)
	insurance := res.EligibleAmount.Mul(decimal.NewFromFloat(s.cfg.Product.InsurancePct / 100)).Round(2)

	reply := s.newOutbound(wire.TypeChargesResponse, msg.Header.Sender)
	reply.Set("CheckNumber", msg.Get("CheckNumber"))
	reply.Set("DesiredDeductibleAmount", res.MonthlyReturnAmount.StringFixed(2))
	reply.Set("TotalInsurance", insurance.StringFixed(2))
	reply.Set("TotalProcessingFees", fees.StringFixed(2))
	reply.Set("OtherCharges", "0.00")
	reply.Set("EligibleAmount", res.EligibleAmount.StringFixed(2))
	reply.Set("MonthlyReturnAmount", res.MonthlyReturnAmount.StringFixed(2))
	reply.Set("Tenure", strconv.Itoa(res.TenureMonths))
	return reply
}

// handleOfferRequest opens the durable record at RECEIVED. The offer is
// also run through the affordability engine so the audit trail records
// the quote the application entered with.
func (s *Service) handleOfferRequest(ctx context.Context, msg *wire.Message, raw []byte) *wire.Message {
	essAppNo := msg.Get("ApplicationNumber")
	if essAppNo == "" {
		return s.ack(msg, wire.CodeRejected, "ApplicationNumber is required")
	}
	unlock := s.locks.Lock(essAppNo)
	defer unlock()

	res := s.computeAffordability(msg)
	note := fmt.Sprintf("offer request received mode=%s eligible=%s monthly=%s", res.Mode, res.EligibleAmount, res.MonthlyReturnAmount)

	app := store.LoanApplication{
		ESSApplicationNumber: essAppNo,
		ESSCheckNumber:       msg.Get("CheckNumber"),
		FSPReferenceNumber:   httpx.NewFSPReference(),
		ProductCode:          s.productCode(msg),
		RequestedAmount:      parseAmount(msg.Get("RequestedAmount")),
		TenureMonths:         parseInt(msg.Get("Tenure")),
		Status:               string(StatusReceived),
	}
	err := s.store.CreateApplication(ctx, app, s.entry(msg, raw, note))
	if errors.Is(err, store.ErrDuplicate) {
		// ESS retries offer requests; the first record wins.
		s.logger.Info().Str("ess_application_number", essAppNo).Msg("duplicate offer request acknowledged")
		return s.ack(msg, wire.CodeAccepted, "Received")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("ess_application_number", essAppNo).Msg("offer request not persisted")
		return s.ack(msg, wire.CodeRejected, "Unable to register application")
	}
	return s.ack(msg, wire.CodeAccepted, "Received")
}

// handleFinalApproval is idempotent and also the allowed alternate entry
// edge: an unknown application number creates the record directly at
// FINAL_APPROVAL_RECEIVED (top-up without a prior offer round).
func (s *Service) handleFinalApproval(ctx context.Context, msg *wire.Message, raw []byte) (*wire.Message, FollowUp) {
	essAppNo := msg.Get("ApplicationNumber")
	if essAppNo == "" {
		return s.ack(msg, wire.CodeRejected, "ApplicationNumber is required"), nil
	}
	if !strings.EqualFold(msg.Get("Approval"), "APPROVED") {
		s.audit(ctx, essAppNo, msg, raw, "final approval with non-approved verdict")
		return s.ack(msg, wire.CodeAccepted, "Received"), nil
	}

	unlock := s.locks.Lock(essAppNo)
	defer unlock()

	app, err := s.store.GetByESSApplicationNumber(ctx, essAppNo)
	switch {
	case errors.Is(err, store.ErrNotFound):
		created := store.LoanApplication{
			ESSApplicationNumber: essAppNo,
			ESSCheckNumber:       msg.Get("CheckNumber"),
			FSPReferenceNumber:   httpx.NewFSPReference(),
			ProductCode:          s.productCode(msg),
			RequestedAmount:      parseAmount(msg.Get("RequestedAmount")),
			TenureMonths:         parseInt(msg.Get("Tenure")),
			BorrowerName:         borrowerName(msg),
			BorrowerNIN:          msg.Get("NIN"),
			BorrowerMobile:       msg.Get("MobileNumber"),
			DisbursementAccount:  msg.Get("BankAccountNumber"),
			Status:               string(StatusFinalApproval),
		}
		if err := s.store.CreateApplication(ctx, created, s.entry(msg, raw, "final approval (direct entry)")); err != nil {
			s.logger.Error().Err(err).Str("ess_application_number", essAppNo).Msg("direct-entry application not persisted")
			return s.ack(msg, wire.CodeRejected, "Unable to register application"), nil
		}
	case err != nil:
		s.logger.Error().Err(err).Str("ess_application_number", essAppNo).Msg("application lookup failed")
		return s.ack(msg, wire.CodeRejected, "Internal error"), nil
	default:
		status := Status(app.Status)
		if status == StatusFailed {
			return s.ack(msg, wire.CodeRejected, "Application previously failed"), nil
		}
		if AtOrPast(status, StatusDisbursed) {
			// Duplicate notification for a finished application: ack and
			// do nothing. Exactly-once CBS effects depend on this check.
			s.audit(ctx, essAppNo, msg, raw, "duplicate final approval ignored")
			return s.ack(msg, wire.CodeAccepted, "Received"), nil
		}
		if status == StatusReceived {
			if err := s.store.Transition(ctx, essAppNo, []string{string(StatusReceived)}, string(StatusFinalApproval), s.entry(msg, raw, "final approval received")); err != nil {
				s.logger.Error().Err(err).Str("ess_application_number", essAppNo).Msg("final approval transition failed")
				return s.ack(msg, wire.CodeRejected, "Internal error"), nil
			}
			if err := s.store.SnapshotBorrower(ctx, essAppNo, borrowerName(msg), msg.Get("NIN"), msg.Get("MobileNumber"), msg.Get("BankAccountNumber")); err != nil {
				s.logger.Error().Err(err).Str("ess_application_number", essAppNo).Msg("borrower snapshot failed")
			}
		} else {
			// Already at FINAL_APPROVAL_RECEIVED or mid-pipeline: a retry
			// resumes from wherever the pipeline stopped.
			s.audit(ctx, essAppNo, msg, raw, "duplicate final approval; resuming pipeline")
		}
	}

	followUp := func(ctx context.Context) {
		if err := s.ProcessFinalApproval(ctx, essAppNo); err != nil {
			s.logger.Warn().Err(err).Str("ess_application_number", essAppNo).Msg("final approval pipeline incomplete")
		}
	}
	return s.ack(msg, wire.CodeAccepted, "Received"), followUp
}

// ProcessFinalApproval drives the application through client creation,
// loan creation and disbursement. Each step commits its CBS resource id
// atomically with the status move, so a crash or retryable failure
// resumes exactly where it stopped and never re-issues a completed call.
func (s *Service) ProcessFinalApproval(ctx context.Context, essAppNo string) error {
	unlock := s.locks.Lock(essAppNo)
	defer unlock()

	for {
		app, err := s.store.GetByESSApplicationNumber(ctx, essAppNo)
		if err != nil {
			return err
		}
		switch Status(app.Status) {
		case StatusFinalApproval:
			if err := s.stepCreateClient(ctx, app); err != nil {
				return err
			}
		case StatusClientCreated:
			if err := s.stepCreateLoan(ctx, app); err != nil {
				return err
			}
		case StatusLoanCreated:
			return s.stepDisburse(ctx, app)
		default:
			return nil
		}
	}
}

func (s *Service) stepCreateClient(ctx context.Context, app *store.LoanApplication) error {
	clientID, err := s.cbs.CreateClient(ctx, cbs.CreateClientRequest{
		FullName:      app.BorrowerName,
		NIN:           app.BorrowerNIN,
		MobileNumber:  app.BorrowerMobile,
		AccountNumber: app.DisbursementAccount,
		OfficeID:      s.cfg.Product.OfficeID,
	})
	if err != nil {
		return s.cbsFailure(ctx, app, err, "client creation")
	}
	return s.store.SetClientCreated(ctx, app.ESSApplicationNumber,
		[]string{string(StatusFinalApproval)}, clientID,
		store.AuditEntry{Note: "cbs client created: " + clientID})
}

func (s *Service) stepCreateLoan(ctx context.Context, app *store.LoanApplication) error {
	loanID, accountNo, err := s.cbs.CreateLoan(ctx, cbs.CreateLoanRequest{
		ClientID:       deref(app.CBSClientID),
		ProductCode:    app.ProductCode,
		Principal:      app.RequestedAmount,
		TenureMonths:   app.TenureMonths,
		InterestRate:   s.cfg.Product.AnnualInterestRate,
		ExternalRef:    app.FSPReferenceNumber,
		DisburseTo:     app.DisbursementAccount,
		SubmittedOnISO: time.Now().UTC().Format("2006-01-02"),
	})
	if err != nil {
		return s.cbsFailure(ctx, app, err, "loan creation")
	}
	alias := accountNo
	if alias == "" {
		alias = "LN" + loanID
	}
	return s.store.SetLoanCreated(ctx, app.ESSApplicationNumber,
		[]string{string(StatusClientCreated)}, loanID, accountNo, alias,
		store.AuditEntry{Note: "cbs loan created: " + loanID})
}

func (s *Service) stepDisburse(ctx context.Context, app *store.LoanApplication) error {
	txID, err := s.cbs.Disburse(ctx, deref(app.CBSLoanID), app.RequestedAmount)
	if err != nil {
		return s.cbsFailure(ctx, app, err, "disbursement")
	}
	if err := s.store.Transition(ctx, app.ESSApplicationNumber,
		[]string{string(StatusLoanCreated)}, string(StatusDisbursed),
		store.AuditEntry{Note: "disbursed, cbs transaction " + txID}); err != nil {
		return err
	}
	s.sendDisbursementNotice(ctx, app)
	return nil
}

// cbsFailure applies the error taxonomy: terminal failures drive the
// application to FAILED and notify ESS with the CBS reason verbatim;
// retryable failures leave the record untouched for a later attempt.
func (s *Service) cbsFailure(ctx context.Context, app *store.LoanApplication, err error, step string) error {
	if errors.Is(err, cbs.ErrTerminal) {
		s.logger.Error().Err(err).Str("ess_application_number", app.ESSApplicationNumber).
			Str("step", step).Msg("terminal CBS failure")
		reason := strings.TrimPrefix(err.Error(), cbs.ErrTerminal.Error()+": ")
		if tErr := s.store.Transition(ctx, app.ESSApplicationNumber, nonTerminalStatuses(), string(StatusFailed),
			store.AuditEntry{Note: "failed during " + step + ": " + reason}); tErr != nil {
			s.logger.Error().Err(tErr).Msg("could not mark application failed")
		}
		s.sendFailureNotice(ctx, app, reason)
		return err
	}
	s.logger.Warn().Err(err).Str("ess_application_number", app.ESSApplicationNumber).
		Str("step", step).Msg("retryable CBS failure; state unchanged")
	return err
}

// Liquidate closes a disbursed loan on an operator or upstream payoff
// event. The outstanding figure is fetched from the CBS at this moment,
// never taken from a cached value.
func (s *Service) Liquidate(ctx context.Context, essAppNo, reason string) error {
	unlock := s.locks.Lock(essAppNo)
	defer unlock()

	app, err := s.store.GetByESSApplicationNumber(ctx, essAppNo)
	if err != nil {
		return err
	}
	if !CanTransition(Status(app.Status), StatusLiquidated) {
		s.logger.Warn().Str("ess_application_number", essAppNo).Str("status", app.Status).
			Msg("liquidation rejected: illegal transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, app.Status, StatusLiquidated)
	}

	outstanding, err := s.cbs.FetchOutstanding(ctx, deref(app.CBSLoanID))
	if err != nil {
		// The loan stays DISBURSED; liquidation is re-attempted once the
		// CBS answers again.
		s.logger.Error().Err(err).Str("ess_application_number", essAppNo).
			Msg("outstanding lookup failed, liquidation aborted")
		return err
	}

	if err := s.store.Transition(ctx, essAppNo,
		[]string{string(StatusDisbursed)}, string(StatusLiquidated),
		store.AuditEntry{Note: "liquidated, outstanding " + outstanding.StringFixed(2) + ": " + reason}); err != nil {
		return err
	}

	notice := s.newOutbound(wire.TypeLiquidationNotice, s.cfg.ESSName)
	notice.Set("ApplicationNumber", essAppNo)
	notice.Set("LoanNumber", deref(app.ESSLoanNumberAlias))
	notice.Set("FSPReferenceNumber", app.FSPReferenceNumber)
	notice.Set("PrincipalOutstanding", outstanding.StringFixed(2))
	notice.Set("LiquidationDate", time.Now().UTC().Format("2006-01-02"))
	notice.Set("Reason", reason)
	s.notify(ctx, app.ESSApplicationNumber, notice)
	return nil
}

func (s *Service) handleLiquidationRequest(ctx context.Context, msg *wire.Message, raw []byte) *wire.Message {
	essAppNo := msg.Get("ApplicationNumber")
	if essAppNo == "" {
		return s.ack(msg, wire.CodeRejected, "ApplicationNumber is required")
	}
	s.audit(ctx, essAppNo, msg, raw, "liquidation requested by counterpart")
	if err := s.Liquidate(ctx, essAppNo, "Upstream payoff"); err != nil {
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, store.ErrNotFound) {
			return s.ack(msg, wire.CodeRejected, "Loan is not in a liquidatable state")
		}
		return s.ack(msg, wire.CodeRejected, "Liquidation could not be completed")
	}
	return s.ack(msg, wire.CodeAccepted, "Received")
}

func (s *Service) handlePaymentAcknowledgment(ctx context.Context, msg *wire.Message, raw []byte) *wire.Message {
	essAppNo := msg.Get("ApplicationNumber")
	if essAppNo == "" {
		return s.ack(msg, wire.CodeRejected, "ApplicationNumber is required")
	}
	var target Status
	switch strings.ToUpper(msg.Get("PaymentStatus")) {
	case "SETTLED":
		target = StatusSettled
	case "DEFAULTED":
		target = StatusDefaulted
	default:
		// Partial repayments and other statuses are recorded, not acted on.
		s.audit(ctx, essAppNo, msg, raw, "payment acknowledgment, status "+msg.Get("PaymentStatus"))
		return s.ack(msg, wire.CodeAccepted, "Received")
	}

	unlock := s.locks.Lock(essAppNo)
	defer unlock()

	app, err := s.store.GetByESSApplicationNumber(ctx, essAppNo)
	if err != nil {
		return s.ack(msg, wire.CodeRejected, "Unknown application")
	}
	if !CanTransition(Status(app.Status), target) {
		s.logger.Warn().Str("ess_application_number", essAppNo).Str("status", app.Status).
			Str("target", string(target)).Msg("payment status rejected: illegal transition")
		return s.ack(msg, wire.CodeRejected, "Application is not in a closeable state")
	}
	if err := s.store.Transition(ctx, essAppNo,
		[]string{string(StatusDisbursed)}, string(target),
		s.entry(msg, raw, "closed as "+string(target))); err != nil {
		s.logger.Error().Err(err).Str("ess_application_number", essAppNo).Msg("payment status transition failed")
		return s.ack(msg, wire.CodeRejected, "Internal error")
	}
	return s.ack(msg, wire.CodeAccepted, "Received")
}

func (s *Service) sendDisbursementNotice(ctx context.Context, app *store.LoanApplication) {
	total := affordability.EMI(app.RequestedAmount.InexactFloat64(), s.cfg.Product.AnnualInterestRate, app.TenureMonths) * float64(app.TenureMonths)
	notice := s.newOutbound(wire.TypeDisbursement, s.cfg.ESSName)
	notice.Set("ApplicationNumber", app.ESSApplicationNumber)
	notice.Set("FSPReferenceNumber", app.FSPReferenceNumber)
	notice.Set("LoanNumber", deref(app.ESSLoanNumberAlias))
	notice.Set("TotalAmountToPay", decimal.NewFromFloat(total).Round(2).StringFixed(2))
	notice.Set("DisbursementDate", time.Now().UTC().Format("2006-01-02"))
	notice.Set("Reason", "Disbursement successful")
	s.notify(ctx, app.ESSApplicationNumber, notice)
}

func (s *Service) sendFailureNotice(ctx context.Context, app *store.LoanApplication, reason string) {
	notice := s.newOutbound(wire.TypeDisbursementFailure, s.cfg.ESSName)
	notice.Set("ApplicationNumber", app.ESSApplicationNumber)
	notice.Set("FSPReferenceNumber", app.FSPReferenceNumber)
	notice.Set("LoanNumber", deref(app.ESSLoanNumberAlias))
	notice.Set("Reason", reason)
	s.notify(ctx, app.ESSApplicationNumber, notice)
}

// notify seals and dispatches an outbound message, recording the attempt
// in the audit trail. Delivery failures are already parked by the
// dispatcher; here they are only logged.
func (s *Service) notify(ctx context.Context, essAppNo string, m *wire.Message) {
	body, err := s.sealer.SealDocument(m)
	if err != nil {
		s.logger.Error().Err(err).Str("msg_id", m.Header.MsgID).Msg("could not seal outbound document")
		return
	}
	_ = s.store.AppendAudit(ctx, essAppNo, store.AuditEntry{
		MsgID:       m.Header.MsgID,
		MessageType: m.Header.MessageType,
		PayloadSHA:  store.HashPayload(body),
		Note:        "outbound notification",
	})
	if err := s.notifier.Deliver(ctx, dispatch.Notification{
		ESSApplicationNumber: essAppNo,
		MessageType:          m.Header.MessageType,
		MsgID:                m.Header.MsgID,
		Body:                 body,
	}); err != nil {
		s.logger.Warn().Err(err).Str("msg_id", m.Header.MsgID).Msg("outbound notification not delivered")
	}
}

func (s *Service) computeAffordability(msg *wire.Message) affordability.Result {
	months := monthsUntil(msg.Get("RetirementDate"))
	return affordability.Compute(affordability.Input{
		RequestedAmount:         parseAmount(msg.Get("RequestedAmount")),
		TenureMonths:            parseInt(msg.Get("Tenure")),
		DesiredDeductibleAmount: parseAmount(msg.Get("DesiredDeductibleAmount")),
		DeductibleAmountCeiling: parseAmount(msg.Get("DeductibleAmount")),
		MonthsUntilRetirement:   months,
		AnnualInterestRate:      s.cfg.Product.AnnualInterestRate,
		MaxTenureMonths:         s.cfg.Product.MaxTenureMonths,
		MinLoanAmount:           s.cfg.Product.MinLoanAmount,
	})
}

func (s *Service) ack(inReply *wire.Message, code, description string) *wire.Message {
	return wire.NewResponse(s.cfg.FSPCode, inReply.Header.Sender, s.cfg.FSPCode, msgid.New(wire.TypeResponse), code, description)
}

func (s *Service) newOutbound(messageType, receiver string) *wire.Message {
	return &wire.Message{Header: wire.Header{
		Sender:      s.cfg.FSPCode,
		Receiver:    receiver,
		FSPCode:     s.cfg.FSPCode,
		MsgID:       msgid.New(messageType),
		MessageType: messageType,
	}}
}

func (s *Service) audit(ctx context.Context, key string, msg *wire.Message, raw []byte, note string) {
	if key == "" {
		key = "-"
	}
	if err := s.store.AppendAudit(ctx, key, s.entry(msg, raw, note)); err != nil {
		s.logger.Error().Err(err).Msg("audit append failed")
	}
}

func (s *Service) entry(msg *wire.Message, raw []byte, note string) store.AuditEntry {
	return store.AuditEntry{
		MsgID:       msg.Header.MsgID,
		MessageType: msg.Header.MessageType,
		PayloadSHA:  store.HashPayload(raw),
		Note:        note,
	}
}

func (s *Service) productCode(msg *wire.Message) string {
	if code := msg.Get("ProductCode"); code != "" {
		return code
	}
	return s.cfg.Product.Code
}

func nonTerminalStatuses() []string {
	return []string{
		string(StatusReceived), string(StatusFinalApproval),
		string(StatusClientCreated), string(StatusLoanCreated),
		string(StatusDisbursed),
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func borrowerName(msg *wire.Message) string {
	parts := []string{msg.Get("FirstName"), msg.Get("MiddleName"), msg.Get("LastName")}
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func parseAmount(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// monthsUntil converts a retirement date (YYYY-MM-DD) into whole months
// from now. Unparsable or past dates yield 0, which the affordability
// engine treats as "no clamp".
func monthsUntil(date string) int {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return 0
	}
	now := time.Now().UTC()
	months := (t.Year()-now.Year())*12 + int(t.Month()) - int(now.Month())
	if months < 0 {
		return 0
	}
	return months
}
