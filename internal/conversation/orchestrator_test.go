package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/events"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/internal/whatsapp"
)

var (
	clinicA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	clinicB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

const phone = "5511999990000"

type sent struct {
	instance string
	phone    string
	text     string
	doc      *whatsapp.Document
}

type mockSender struct {
	mu       *sync.Mutex
	log      *[]sent
	instance string
	err      error
}

func (m *mockSender) SendText(_ context.Context, phone, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.log = append(*m.log, sent{instance: m.instance, phone: phone, text: text})
	return m.err
}

func (m *mockSender) SendDocument(_ context.Context, phone string, doc whatsapp.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.log = append(*m.log, sent{instance: m.instance, phone: phone, doc: &doc})
	return m.err
}

type mockPublisher struct {
	envs []events.Envelope
	err  error
}

func (p *mockPublisher) Publish(_ context.Context, env events.Envelope) error {
	p.envs = append(p.envs, env)
	return p.err
}

func (p *mockPublisher) Close() error { return nil }

type mockRecorder struct {
	errs []error
}

func (r *mockRecorder) RecordError(_ context.Context, _ uuid.UUID, _ string, err error) {
	r.errs = append(r.errs, err)
}

type fixture struct {
	t        *testing.T
	mem      *repo.Memory
	orch     *Orchestrator
	events   *mockPublisher
	recorder *mockRecorder
	mu       sync.Mutex
	sent     []sent
	sendErr  error
	clock    time.Time
	seq      int
	employer boleto.Employer
	typ      boleto.ContributionType
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	f := &fixture{
		t:        t,
		mem:      repo.NewMemory(),
		events:   &mockPublisher{},
		recorder: &mockRecorder{},
		clock:    time.Date(2025, 7, 20, 14, 0, 0, 0, time.UTC),
	}
	f.employer = f.mem.AddEmployer(clinicA, "12345678000199", "Metalúrgica Alfa Ltda")
	f.typ = f.mem.AddContributionType(clinicA, "Mensalidade Sindical", 10)
	f.mem.AddEmployer(clinicB, "98765432000110", "Comércio Beta S.A.")
	f.mem.AddContributionType(clinicB, "Assistencial", 5)

	engine := boleto.NewEngine(boleto.DefaultMaxRetries, boleto.DefaultSessionTTL, time.UTC)
	engine.Now = func() time.Time { return f.clock }
	o := Options{
		Engine:     engine,
		UnitOfWork: f.mem,
		Tenants: NewStaticDirectory([]config.Instance{
			{Name: "sindicato-a", ClinicID: clinicA, ClinicName: "Sindicato A", APIURL: "http://evo", APIKey: "ka"},
			{Name: "sindicato-b", ClinicID: clinicB, ClinicName: "Sindicato B", APIURL: "http://evo", APIKey: "kb"},
			{Name: "desativado", ClinicID: clinicB, APIURL: "http://evo", Disabled: true},
		}),
		Events: f.events,
		Errors: f.recorder,
		NewSender: func(cfg whatsapp.Config) Sender {
			return &mockSender{mu: &f.mu, log: &f.sent, instance: cfg.Instance, err: f.sendErr}
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.orch = New(o)
	return f
}

func (f *fixture) say(instance, text string) Outcome {
	f.seq++
	return f.sayID(instance, fmt.Sprintf("msg-%d", f.seq), text)
}

func (f *fixture) sayID(instance, id, text string) Outcome {
	out, err := f.orch.HandleMessage(context.Background(), whatsapp.Inbound{Instance: instance, Phone: phone, MessageID: id, Text: text})
	require.NoError(f.t, err)
	return out
}

func (f *fixture) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.doc == nil {
			out = append(out, s.text)
		}
	}
	return out
}

func TestHandleMessage_UpcomingIssuesAndPublishes(t *testing.T) {
	f := newFixture(t)
	for _, in := range []string{"oi", "1", "12345678000199", "sim", "1", "08/2025", "350,00"} {
		f.say("sindicato-a", in)
	}
	out := f.say("sindicato-a", "sim")

	assert.Equal(t, boleto.StateFinished, out.State)
	require.NotNil(t, out.Issued)
	cs := f.mem.Contributions(clinicA, f.employer.ID)
	require.Len(t, cs, 1)
	assert.Equal(t, int64(35000), cs[0].ValueCents)
	assert.Equal(t, "2025-09-10", cs[0].DueDate)

	texts := f.texts()
	assert.Contains(t, texts[len(texts)-1], "Boleto emitido com sucesso")

	require.Len(t, f.events.envs, 1)
	env := f.events.envs[0]
	assert.Equal(t, events.TypeBoletoIssued, env.Meta.Type)
	data := env.Data.(events.BoletoIssued)
	assert.Equal(t, clinicA.String(), data.ClinicID)
	assert.Equal(t, f.employer.ID.String(), data.EmployerID)
	assert.Equal(t, "2025-08", data.Competence)
	assert.Empty(t, f.recorder.errs)

	snap, ok := f.mem.Session(clinicA, phone)
	require.True(t, ok)
	assert.Equal(t, boleto.StateFinished, snap.State)
}

func TestHandleMessage_AttachesSlip(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.AttachPDF = true
		o.PaymentLinkURL = "https://pagar.example.com/"
	})
	for _, in := range []string{"1", "12345678000199", "sim", "1", "08/2025", "350,00", "sim"} {
		f.say("sindicato-a", in)
	}
	last := f.sent[len(f.sent)-1]
	require.NotNil(t, last.doc, "último envio deve ser o PDF")
	assert.Equal(t, "guia-2025-08.pdf", last.doc.FileName)
	assert.Equal(t, "application/pdf", last.doc.MimeType)
	assert.NotEmpty(t, last.doc.Data)
}

func TestHandleMessage_OverdueRenegotiation(t *testing.T) {
	f := newFixture(t)
	old := f.mem.AddContribution(clinicA, f.employer.ID, f.typ, boleto.Competence{Month: 5, Year: 2025}, 12000,
		time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), repo.StatusOverdue)

	for _, in := range []string{"2", "12345678000199", "sim", "1", "15/08/2025"} {
		f.say("sindicato-a", in)
	}
	out := f.say("sindicato-a", "sim")

	assert.Equal(t, boleto.StateFinished, out.State)
	cs := f.mem.Contributions(clinicA, f.employer.ID)
	require.Len(t, cs, 1)
	assert.Equal(t, old.ID, cs[0].ID)
	assert.Equal(t, "2025-08-15", cs[0].DueDate)
	assert.Equal(t, repo.StatusPending, cs[0].Status)
	require.Len(t, f.events.envs, 1)
	assert.Equal(t, events.TypeBoletoRenegotiated, f.events.envs[0].Meta.Type)
}

func TestHandleMessage_DuplicateDeliveryResendsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	for _, in := range []string{"1", "12345678000199", "sim", "1", "08/2025", "350,00"} {
		f.say("sindicato-a", in)
	}
	first := f.sayID("sindicato-a", "confirm-1", "sim")
	require.NotNil(t, first.Issued)
	before, _ := f.mem.Session(clinicA, phone)

	again := f.sayID("sindicato-a", "confirm-1", "sim")
	assert.True(t, again.Duplicate)
	assert.Nil(t, again.Issued)
	assert.Equal(t, first.Replies, again.Replies)
	assert.Len(t, f.mem.Contributions(clinicA, f.employer.ID), 1, "sem segunda emissão")
	assert.Len(t, f.events.envs, 1, "sem segundo evento")

	after, _ := f.mem.Session(clinicA, phone)
	assert.Equal(t, before.Version, after.Version, "sessão não regravada")
	texts := f.texts()
	assert.Equal(t, texts[len(texts)-1], texts[len(texts)-2], "última resposta reenviada")
}

func TestHandleMessage_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	f.say("sindicato-b", "1")
	out := f.say("sindicato-b", "12345678000199")

	assert.Equal(t, clinicB, out.ClinicID)
	assert.Equal(t, boleto.StateWaitingCNPJ, out.State)
	require.NotEmpty(t, out.Replies)
	assert.Contains(t, out.Replies[0], "Empresa não encontrada")

	_, ok := f.mem.Session(clinicA, phone)
	assert.False(t, ok, "mesmo telefone, outro sindicato: sessões independentes")
	for _, s := range f.sent {
		assert.Equal(t, "sindicato-b", s.instance)
	}
}

func TestHandleMessage_UnknownOrDisabledInstance(t *testing.T) {
	f := newFixture(t)
	for _, inst := range []string{"nao-existe", "desativado"} {
		_, err := f.orch.HandleMessage(context.Background(), whatsapp.Inbound{Instance: inst, Phone: phone, MessageID: "x", Text: "oi"})
		assert.ErrorIs(t, err, boleto.ErrConfiguration, inst)
	}
	assert.Empty(t, f.sent)
	_, ok := f.mem.Session(clinicB, phone)
	assert.False(t, ok)
}

func TestHandleMessage_RepositoryFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.orch.opts.UnitOfWork = failingBillingUoW{Memory: f.mem}
	for _, in := range []string{"1", "12345678000199"} {
		f.say("sindicato-a", in)
	}
	out := f.say("sindicato-a", "sim")
	assert.Equal(t, boleto.StateError, out.State)

	snap, ok := f.mem.Session(clinicA, phone)
	require.True(t, ok)
	assert.Equal(t, boleto.StateError, snap.State)
	require.Len(t, f.recorder.errs, 1)
	assert.ErrorIs(t, f.recorder.errs[0], boleto.ErrRepository)
	require.Len(t, f.events.envs, 1)
	assert.Equal(t, events.TypeBoletoFailed, f.events.envs[0].Meta.Type)
	assert.Equal(t, boleto.ReasonRepository, f.events.envs[0].Data.(events.BoletoFailed).Reason)
}

func TestHandleMessage_StaleSessionSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.orch.opts.UnitOfWork = staleUoW{Memory: f.mem}
	out, err := f.orch.HandleMessage(context.Background(), whatsapp.Inbound{Instance: "sindicato-a", Phone: phone, MessageID: "m", Text: "oi"})
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Empty(t, f.sent)
	_, ok := f.mem.Session(clinicA, phone)
	assert.False(t, ok, "transação perdedora não grava")
}

func TestHandleMessage_LoadFailureAnswersUnavailable(t *testing.T) {
	f := newFixture(t)
	f.orch.opts.UnitOfWork = brokenUoW{}
	_, err := f.orch.HandleMessage(context.Background(), whatsapp.Inbound{Instance: "sindicato-a", Phone: phone, MessageID: "m", Text: "oi"})
	assert.ErrorIs(t, err, boleto.ErrRepository)
	assert.Equal(t, []string{boleto.MsgUnavailable}, f.texts())
	assert.Len(t, f.recorder.errs, 1)
}

func TestHandleMessage_SendFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.sendErr = errors.New("instance not connected")
	out := f.say("sindicato-a", "oi")
	assert.Equal(t, boleto.StateSelectBoletoType, out.State)
	snap, ok := f.mem.Session(clinicA, phone)
	require.True(t, ok)
	assert.Equal(t, boleto.StateSelectBoletoType, snap.State)
	assert.Len(t, f.sent, 1, "para no primeiro erro de envio")
}

func TestHandleMessage_PublishFailureIgnored(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	for _, in := range []string{"1", "12345678000199", "sim", "1", "08/2025", "350,00"} {
		f.say("sindicato-a", in)
	}
	out := f.say("sindicato-a", "sim")
	assert.NotNil(t, out.Issued)
}

func TestOrchestrator_ReusesSenderPerInstance(t *testing.T) {
	calls := 0
	f := newFixture(t)
	f.orch.opts.NewSender = func(cfg whatsapp.Config) Sender {
		calls++
		return &mockSender{mu: &f.mu, log: &f.sent, instance: cfg.Instance}
	}
	f.say("sindicato-a", "oi")
	f.say("sindicato-a", "1")
	f.say("sindicato-b", "oi")
	assert.Equal(t, 2, calls)
}

// failingBillingUoW fails every contribution type lookup.
type failingBillingUoW struct{ *repo.Memory }

func (u failingBillingUoW) Within(ctx context.Context, fn func(context.Context, boleto.Tx) error) error {
	return u.Memory.Within(ctx, func(ctx context.Context, tx boleto.Tx) error {
		return fn(ctx, failingTx{tx})
	})
}

type failingTx struct{ boleto.Tx }

func (t failingTx) Billing() boleto.Billing { return failingBilling{t.Tx.Billing()} }

type failingBilling struct{ boleto.Billing }

func (failingBilling) ContributionTypes(context.Context, uuid.UUID) ([]boleto.ContributionType, error) {
	return nil, fmt.Errorf("list types: %w: connection reset", boleto.ErrRepository)
}

// staleUoW simulates a concurrent writer winning the compare-and-swap.
type staleUoW struct{ *repo.Memory }

func (u staleUoW) Within(ctx context.Context, fn func(context.Context, boleto.Tx) error) error {
	return u.Memory.Within(ctx, func(ctx context.Context, tx boleto.Tx) error {
		return fn(ctx, staleTx{tx})
	})
}

type staleTx struct{ boleto.Tx }

func (t staleTx) Sessions() boleto.SessionStore { return staleSessions{t.Tx.Sessions()} }

type staleSessions struct{ boleto.SessionStore }

func (staleSessions) Save(context.Context, *boleto.Session) error { return boleto.ErrStaleSession }

type brokenUoW struct{}

func (brokenUoW) Within(context.Context, func(context.Context, boleto.Tx) error) error {
	return fmt.Errorf("begin: %w: dial tcp: connection refused", boleto.ErrRepository)
}
