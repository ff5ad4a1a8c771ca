package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"github.com/tecmax-dev/sisvida-sub021/internal/events"
	"github.com/tecmax-dev/sisvida-sub021/internal/pdf"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/internal/whatsapp"
	"gorm.io/gorm"
)

// Sender delivers replies to the user. Implemented by *whatsapp.Client; tests use a mock.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
	SendDocument(ctx context.Context, phone string, doc whatsapp.Document) error
}

// ErrorRecorder stores repository failures for operators (error_events).
type ErrorRecorder interface {
	RecordError(ctx context.Context, clinicID uuid.UUID, action string, err error)
}

// Options configures an Orchestrator. Engine, UnitOfWork and Tenants are required.
type Options struct {
	Engine     *boleto.Engine
	UnitOfWork boleto.UnitOfWork
	Tenants    TenantDirectory
	Events     events.Publisher
	Errors     ErrorRecorder
	// NewSender builds the outbound client of a tenant; nil uses whatsapp.NewClient.
	NewSender func(whatsapp.Config) Sender
	// RatePerSec throttles each instance's outbound calls.
	RatePerSec     float64
	AttachPDF      bool
	PaymentLinkURL string
}

// Orchestrator runs one webhook message end to end: tenant lookup, one transactional turn,
// then outbound replies and domain events after commit.
type Orchestrator struct {
	opts Options

	mu      sync.Mutex
	senders map[string]Sender
}

func New(opts Options) *Orchestrator {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.NewSender == nil {
		opts.NewSender = func(cfg whatsapp.Config) Sender { return whatsapp.NewClient(cfg) }
	}
	return &Orchestrator{opts: opts, senders: map[string]Sender{}}
}

// Outcome reports what a message did.
type Outcome struct {
	ClinicID  uuid.UUID
	State     boleto.StateName
	Replies   []string
	Duplicate bool
	// Stale is set when a concurrent turn for the same phone won; nothing was sent.
	Stale  bool
	Issued *boleto.Issue
}

// HandleMessage processes one inbound user message. Errors are for logging only: the webhook is
// acknowledged regardless.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg whatsapp.Inbound) (Outcome, error) {
	tenant, err := o.opts.Tenants.GatewayByInstance(ctx, msg.Instance)
	if err != nil {
		return Outcome{}, fmt.Errorf("tenant for instance %q: %w", msg.Instance, err)
	}
	out := Outcome{ClinicID: tenant.ClinicID}

	var (
		sess *boleto.Session
		res  boleto.Result
	)
	err = o.opts.UnitOfWork.Within(ctx, func(ctx context.Context, tx boleto.Tx) error {
		stored, err := tx.Sessions().Load(ctx, tenant.ClinicID, msg.Phone)
		if err != nil {
			return err
		}
		sess, res = o.opts.Engine.Handle(ctx, tx.Billing(), stored, tenant.ClinicID, msg.Phone,
			boleto.Inbound{MessageID: msg.MessageID, Text: msg.Text})
		if res.Duplicate {
			return nil
		}
		return tx.Sessions().Save(ctx, sess)
	})
	if errors.Is(err, boleto.ErrStaleSession) {
		log.Printf("[boleto] concurrent turn won clinic=%s phone=%s msg=%s", tenant.ClinicID, msg.Phone, msg.MessageID)
		out.Stale = true
		return out, nil
	}
	if err != nil {
		o.recordError(ctx, tenant.ClinicID, "boleto_turn", err)
		o.send(ctx, tenant, msg.Phone, []string{boleto.MsgUnavailable})
		return out, fmt.Errorf("turn clinic=%s phone=%s: %w", tenant.ClinicID, msg.Phone, err)
	}

	out.State = sess.State.Name()
	out.Replies = res.Replies
	out.Duplicate = res.Duplicate
	out.Issued = res.Issued
	if res.Duplicate {
		log.Printf("[boleto] duplicate delivery clinic=%s phone=%s msg=%s", tenant.ClinicID, msg.Phone, msg.MessageID)
	}

	o.send(ctx, tenant, msg.Phone, res.Replies)
	if res.Duplicate {
		return out, nil
	}
	if res.Err != nil {
		o.recordError(ctx, tenant.ClinicID, "boleto_billing", res.Err)
	}
	if res.Issued != nil {
		if o.opts.AttachPDF {
			o.sendSlip(ctx, tenant, msg.Phone, res.Issued)
		}
		o.publish(ctx, issuedEvent(repo.RequestIDFromContext(ctx), tenant.ClinicID, msg.Phone, res.Issued))
	}
	if f, ok := sess.State.(boleto.Failed); ok {
		o.publish(ctx, events.NewEnvelope(events.TypeBoletoFailed, repo.RequestIDFromContext(ctx), events.BoletoFailed{
			ClinicID: tenant.ClinicID.String(),
			Phone:    msg.Phone,
			Reason:   f.Reason,
		}))
	}
	return out, nil
}

func (o *Orchestrator) sender(t *Tenant) Sender {
	cfg := t.Gateway
	cfg.RatePerSec = o.opts.RatePerSec
	key := cfg.Instance + "|" + cfg.APIURL + "|" + cfg.APIKey
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.senders[key]
	if !ok {
		s = o.opts.NewSender(cfg)
		o.senders[key] = s
	}
	return s
}

// send delivers replies in order and stops at the first failure.
func (o *Orchestrator) send(ctx context.Context, t *Tenant, phone string, replies []string) {
	if len(replies) == 0 {
		return
	}
	s := o.sender(t)
	for i, text := range replies {
		if err := s.SendText(ctx, phone, text); err != nil {
			log.Printf("[gateway] send failed clinic=%s phone=%s reply=%d/%d: %v", t.ClinicID, phone, i+1, len(replies), err)
			return
		}
	}
}

func (o *Orchestrator) sendSlip(ctx context.Context, t *Tenant, phone string, is *boleto.Issue) {
	slip := buildSlip(t.ClinicName, o.opts.PaymentLinkURL, is)
	data, err := pdf.BuildBoletoSlip(slip)
	if err != nil {
		log.Printf("[boleto] slip pdf contribution=%s: %v", is.Contribution.ID, err)
		return
	}
	doc := whatsapp.Document{FileName: slip.FileName(), MimeType: "application/pdf", Caption: "Guia de contribuição", Data: data}
	if err := o.sender(t).SendDocument(ctx, phone, doc); err != nil {
		log.Printf("[gateway] slip send failed clinic=%s phone=%s: %v", t.ClinicID, phone, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, env events.Envelope) {
	if err := o.opts.Events.Publish(ctx, env); err != nil {
		log.Printf("[events] publish %s: %v", env.Meta.Type, err)
	}
}

func (o *Orchestrator) recordError(ctx context.Context, clinicID uuid.UUID, action string, err error) {
	log.Printf("[boleto] %s clinic=%s: %v", action, clinicID, err)
	if o.opts.Errors != nil {
		o.opts.Errors.RecordError(ctx, clinicID, action, err)
	}
}

func draftEmployer(d boleto.Draft) boleto.Employer {
	switch d := d.(type) {
	case boleto.NewIssue:
		return d.Employer
	case boleto.Renegotiation:
		return d.Employer
	}
	return boleto.Employer{}
}

func issuedEvent(correlationID string, clinicID uuid.UUID, phone string, is *boleto.Issue) events.Envelope {
	typ := events.TypeBoletoIssued
	if is.Draft.Kind() == boleto.TypeOverdue {
		typ = events.TypeBoletoRenegotiated
	}
	c := is.Contribution
	return events.NewEnvelope(typ, correlationID, events.BoletoIssued{
		ClinicID:       clinicID.String(),
		EmployerID:     draftEmployer(is.Draft).ID.String(),
		ContributionID: c.ID.String(),
		Phone:          phone,
		TypeName:       c.TypeName,
		Competence:     fmt.Sprintf("%04d-%02d", c.CompetenceYear, c.CompetenceMonth),
		ValueCents:     c.ValueCents,
		DueDate:        c.DueDate,
	})
}

func buildSlip(clinicName, paymentBase string, is *boleto.Issue) pdf.Slip {
	e := draftEmployer(is.Draft)
	c := is.Contribution
	s := pdf.Slip{
		ClinicName:       clinicName,
		EmployerName:     e.Name,
		EmployerCNPJ:     boleto.FormatCNPJ(e.CNPJ),
		ContributionType: c.TypeName,
		Competence:       c.Competence().String(),
		Value:            boleto.FormatCents(c.ValueCents),
		DueDate:          boleto.FormatDate(c.DueDate),
		Reference:        c.ID.String(),
		Renegotiated:     is.Draft.Kind() == boleto.TypeOverdue,
	}
	if paymentBase != "" {
		s.PaymentURL = strings.TrimRight(paymentBase, "/") + "/" + c.ID.String()
	}
	return s
}

// DBErrorRecorder writes error_events rows.
type DBErrorRecorder struct {
	DB *gorm.DB
}

func (r DBErrorRecorder) RecordError(ctx context.Context, clinicID uuid.UUID, action string, err error) {
	ev := repo.NewErrorEvent(ctx, "WHATSAPP_WEBHOOK", action, &clinicID, err)
	if werr := repo.CreateErrorEvent(ctx, r.DB, ev); werr != nil {
		log.Printf("[boleto] error_events insert: %v", werr)
	}
}
