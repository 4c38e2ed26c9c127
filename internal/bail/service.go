// Package bail lets a payer buy a prisoner's release.
package bail

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/MRamiBalles/devjails/internal/domain/prisoner"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/keylock"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/prisoners"
)

// Result is the outcome of a bail payment.
type Result string

const (
	ResultSuccess           Result = "success"
	ResultSystemDisabled    Result = "system_disabled"
	ResultNotJailed         Result = "not_jailed"
	ResultNoBailSet         Result = "no_bail_set"
	ResultSelfBailDisabled  Result = "self_bail_disabled"
	ResultInsufficientFunds Result = "insufficient_funds"
	ResultPaymentFailed     Result = "payment_failed"
	ResultReleaseFailed     Result = "release_failed"
)

// Prisoners is the part of the prisoner registry bail needs.
type Prisoners interface {
	Get(subject uuid.UUID) (*prisoner.Prisoner, bool)
	SetBail(ctx context.Context, subject uuid.UUID, amount float64, staff string) (*prisoner.Prisoner, error)
	Release(ctx context.Context, subject uuid.UUID, staff string, reason prisoners.Reason) (region.Location, error)
}

// Info describes an outstanding bail.
type Info struct {
	SubjectID uuid.UUID `json:"subject_id"`
	Amount    float64   `json:"amount"`
	JailName  string    `json:"jail_name"`
	Reason    string    `json:"reason"`
}

type Service struct {
	cfg       config.BailConfig
	prisoners Prisoners
	economy   economy.Economy
	bus       *events.Bus
	metrics   *metrics.Collector
	log       *logger.Logger
	payments  *keylock.Locker[uuid.UUID]
}

func NewService(cfg config.BailConfig, p Prisoners, e economy.Economy, bus *events.Bus, m *metrics.Collector, log *logger.Logger) *Service {
	if m == nil {
		m = metrics.Get()
	}
	if cfg.Enabled && (e == nil || !e.Available()) {
		log.Warn("Bail system disabled, no economy available")
	}
	return &Service{
		cfg:       cfg,
		prisoners: p,
		economy:   e,
		bus:       bus,
		metrics:   m,
		log:       log,
		payments:  keylock.New[uuid.UUID](),
	}
}

// Enabled requires both the switch and a working economy.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.economy != nil && s.economy.Available()
}

// SetBail sets the bail of a jailed subject. amount 0 removes it. It waits
// for any payment in flight for the subject, so a payment never charges an
// amount that changed under it.
func (s *Service) SetBail(ctx context.Context, subject uuid.UUID, amount float64, staff string) (*prisoner.Prisoner, error) {
	if !s.Enabled() {
		return nil, errclass.ErrAuthorityUnavailable.WithMessage("bail system disabled")
	}
	if amount < 0 {
		return nil, errclass.ErrInvalidArgument.WithMessage("bail amount must not be negative")
	}
	unlock := s.payments.Lock(subject)
	defer unlock()

	p, err := s.prisoners.SetBail(ctx, subject, amount, staff)
	if err != nil {
		return nil, err
	}
	if s.cfg.LogPayments {
		s.log.Info("Bail set", "subject", subject.String(), "amount", amount, "staff", staff)
	}
	return p, nil
}

// Info returns the outstanding bail of subject, if any.
func (s *Service) Info(subject uuid.UUID) (Info, bool) {
	if !s.Enabled() {
		return Info{}, false
	}
	p, ok := s.prisoners.Get(subject)
	if !ok || !p.HasBail() {
		return Info{}, false
	}
	return Info{SubjectID: subject, Amount: p.Bail(), JailName: p.JailName, Reason: p.Reason}, true
}

// PayBail charges payer the subject's bail and releases the subject. A
// failed release refunds the payer. Payments for one subject are serialized.
func (s *Service) PayBail(ctx context.Context, payer uuid.UUID, payerName string, subject uuid.UUID) (Result, error) {
	if !s.Enabled() {
		return ResultSystemDisabled, nil
	}
	if payer == subject && !s.cfg.AllowSelfBail {
		return ResultSelfBailDisabled, nil
	}

	unlock := s.payments.Lock(subject)
	defer unlock()

	p, ok := s.prisoners.Get(subject)
	if !ok {
		return ResultNotJailed, nil
	}
	if !p.HasBail() {
		return ResultNoBailSet, nil
	}
	amount := p.Bail()
	if !economy.Has(s.economy, payer, amount) {
		return ResultInsufficientFunds, nil
	}
	if err := s.economy.Withdraw(payer, amount); err != nil {
		s.log.Warn("Bail payment failed", "payer", payer.String(), "error", err)
		return ResultPaymentFailed, nil
	}

	if _, err := s.prisoners.Release(ctx, subject, payerName, prisoners.ReasonBailPaid); err != nil {
		if rerr := s.economy.Deposit(payer, amount); rerr != nil {
			s.log.Error("Bail refund failed", "payer", payer.String(), "amount", amount, "error", rerr)
			err = errors.Join(err, rerr)
		}
		return ResultReleaseFailed, err
	}

	s.metrics.RecordBailPaid()
	if s.bus != nil {
		s.bus.Fire(events.New(events.KindBailPaid, subject.String(), payerName, map[string]interface{}{
			"payer": payer.String(), "amount": amount, "jail": p.JailName,
		}))
	}
	if s.cfg.LogPayments {
		s.log.Event("BAIL_PAID", payerName, "Bail paid", "subject", subject.String(), "amount", amount)
	}
	return ResultSuccess, nil
}
