package boleto

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clinicA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	clinicB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

type fakeBilling struct {
	employers     map[uuid.UUID][]Employer
	types         []ContributionType
	existing      map[string]bool
	overdue       []Contribution
	created       []NewContribution
	rescheduled   []time.Time
	failCreate    error
	failLookup    error
	overdueCalled int
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		employers: map[uuid.UUID][]Employer{
			clinicA: {{ID: uuid.New(), CNPJ: "12345678000199", Name: "Metalúrgica Alfa Ltda"}},
			clinicB: {{ID: uuid.New(), CNPJ: "98765432000110", Name: "Comércio Beta S.A."}},
		},
		types: []ContributionType{
			{ID: uuid.New(), Name: "Contribuição Assistencial"},
			{ID: uuid.New(), Name: "Mensalidade Sindical"},
		},
		existing: map[string]bool{},
	}
}

func (f *fakeBilling) EmployerByCNPJ(_ context.Context, clinicID uuid.UUID, cnpj string) (*Employer, error) {
	if f.failLookup != nil {
		return nil, f.failLookup
	}
	for _, e := range f.employers[clinicID] {
		if e.CNPJ == cnpj {
			e := e
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeBilling) ContributionTypes(context.Context, uuid.UUID) ([]ContributionType, error) {
	return f.types, nil
}

func (f *fakeBilling) ContributionForCompetence(_ context.Context, _, employerID, typeID uuid.UUID, c Competence) (*Contribution, error) {
	if f.existing[fmt.Sprintf("%s/%s/%s", employerID, typeID, c)] {
		return &Contribution{ID: uuid.New(), CompetenceMonth: c.Month, CompetenceYear: c.Year}, nil
	}
	return nil, nil
}

func (f *fakeBilling) OverdueContributions(context.Context, uuid.UUID, uuid.UUID, time.Time) ([]Contribution, error) {
	f.overdueCalled++
	return f.overdue, nil
}

func (f *fakeBilling) CreateContribution(_ context.Context, in NewContribution) (*Contribution, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.created = append(f.created, in)
	return &Contribution{
		ID:              uuid.New(),
		CompetenceMonth: in.Competence.Month,
		CompetenceYear:  in.Competence.Year,
		ValueCents:      in.ValueCents,
		DueDate:         "2025-09-10",
		Status:          "pending",
	}, nil
}

func (f *fakeBilling) RescheduleContribution(_ context.Context, _, _, contributionID uuid.UUID, due time.Time) (*Contribution, error) {
	f.rescheduled = append(f.rescheduled, due)
	for _, c := range f.overdue {
		if c.ID == contributionID {
			c.DueDate = due.Format(isoDate)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

type harness struct {
	t       *testing.T
	engine  *Engine
	billing *fakeBilling
	session *Session
	clock   time.Time
	seq     int
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:       t,
		billing: newFakeBilling(),
		clock:   time.Date(2025, 7, 20, 14, 0, 0, 0, time.UTC),
	}
	h.engine = NewEngine(DefaultMaxRetries, DefaultSessionTTL, time.UTC)
	h.engine.Now = func() time.Time { return h.clock }
	return h
}

func (h *harness) send(text string) Result {
	h.seq++
	return h.sendID(fmt.Sprintf("msg-%d", h.seq), text)
}

func (h *harness) sendID(id, text string) Result {
	s, res := h.engine.Handle(context.Background(), h.billing, h.session, clinicA, "5511999990000", Inbound{MessageID: id, Text: text})
	// round-trip through the column form like a real store would
	snap := s.Snapshot()
	restored, err := Restore(snap)
	require.NoError(h.t, err)
	h.session = restored
	return res
}

func (h *harness) state() StateName {
	return h.session.State.Name()
}

func TestEngine_UpcomingEndToEnd(t *testing.T) {
	h := newHarness(t)

	h.send("1")
	assert.Equal(t, StateWaitingCNPJ, h.state())
	h.send("12345678000199")
	assert.Equal(t, StateConfirmEmployer, h.state())
	h.send("sim")
	assert.Equal(t, StateSelectContributionType, h.state())
	h.send("1")
	assert.Equal(t, StateWaitingCompetence, h.state())
	h.send("08/2025")
	assert.Equal(t, StateWaitingValue, h.state())
	h.send("350,00")
	assert.Equal(t, StateConfirmBoleto, h.state())
	res := h.send("sim")

	assert.Equal(t, StateFinished, h.state())
	require.Len(t, h.billing.created, 1)
	c := h.billing.created[0]
	assert.Equal(t, 8, c.Competence.Month)
	assert.Equal(t, 2025, c.Competence.Year)
	assert.Equal(t, int64(35000), c.ValueCents)
	assert.Equal(t, clinicA, c.ClinicID)
	assert.Equal(t, h.billing.types[0].ID, c.ContributionTypeID)
	require.NotNil(t, res.Issued)
	assert.NoError(t, res.Err)
	assert.Contains(t, res.Replies[0], "Boleto emitido com sucesso")
}

func TestEngine_UpcomingNeverSetsNewDueDate(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"oi", "1", "12345678000199", "sim", "2", "09/2025", "1.200,50", "sim"} {
		h.send(in)
		assert.Nil(t, h.session.Snapshot().NewDueDate, "após %q", in)
	}
	assert.Equal(t, StateFinished, h.state())
}

func TestEngine_InvalidMenuChoiceKeepsState(t *testing.T) {
	h := newHarness(t)
	h.send("oi")
	require.Equal(t, StateSelectBoletoType, h.state())
	require.Equal(t, 0, h.session.Flow.Retries)

	res := h.send("9")
	assert.Equal(t, StateSelectBoletoType, h.state())
	assert.Equal(t, 1, h.session.Flow.Retries)
	assert.Equal(t, "invalid_option", h.session.Flow.LastInvalidReason)
	require.Len(t, res.Replies, 1)
	assert.Contains(t, res.Replies[0], "Opção inválida")
	assert.Contains(t, res.Replies[0], "1 - A vencer")

	h.send("2")
	assert.Equal(t, StateWaitingCNPJ, h.state())
	assert.Equal(t, 0, h.session.Flow.Retries, "retries reset on state change")
}

func TestEngine_CNPJNotFound(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	res := h.send("11.111.111/0001-11")
	assert.Equal(t, StateWaitingCNPJ, h.state())
	assert.Equal(t, 1, h.session.Flow.Retries)
	require.Len(t, res.Replies, 1)
	assert.Contains(t, res.Replies[0], "não encontrada")
}

func TestEngine_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	// clinic B's employer must not be visible from clinic A
	h.send("98765432000110")
	assert.Equal(t, StateWaitingCNPJ, h.state())

	h.send("12.345.678/0001-99")
	require.Equal(t, StateConfirmEmployer, h.state())
	st := h.session.State.(ConfirmEmployer)
	assert.Equal(t, h.billing.employers[clinicA][0].ID, st.Employer.ID)
}

func TestEngine_DuplicateDeliveryIssuesOnce(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199", "sim", "1", "08/2025", "350,00"} {
		h.send(in)
	}
	first := h.sendID("final", "sim")
	require.Equal(t, StateFinished, h.state())
	version := h.session.Version

	again := h.sendID("final", "sim")
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Replies, again.Replies)
	assert.Nil(t, again.Issued)
	assert.Len(t, h.billing.created, 1)
	assert.Equal(t, StateFinished, h.state())
	assert.Equal(t, version, h.session.Version)
}

func TestEngine_DuplicateMidConversation(t *testing.T) {
	h := newHarness(t)
	h.sendID("a", "1")
	h.sendID("b", "12345678000199")
	turn := h.session.Flow.Turn
	res := h.sendID("b", "12345678000199")
	assert.True(t, res.Duplicate)
	assert.Equal(t, StateConfirmEmployer, h.state())
	assert.Equal(t, turn, h.session.Flow.Turn)
	assert.Equal(t, 0, h.session.Flow.Retries)
}

func TestEngine_ExpiredSessionStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	h.send("12345678000199")
	require.Equal(t, StateConfirmEmployer, h.state())
	oldID := h.session.ID

	h.clock = h.clock.Add(DefaultSessionTTL + time.Minute)
	res := h.send("sim")

	assert.True(t, res.Fresh)
	assert.NotEqual(t, oldID, h.session.ID)
	assert.Equal(t, StateSelectBoletoType, h.state())
	snap := h.session.Snapshot()
	assert.Nil(t, snap.EmployerID)
	assert.Nil(t, snap.BoletoType)
	assert.Equal(t, 1, h.session.Flow.Turn)
}

func TestEngine_FinishedSessionIsSuperseded(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	h.send("sair")
	require.Equal(t, StateFinished, h.state())
	oldID := h.session.ID

	res := h.send("2")
	assert.True(t, res.Fresh)
	assert.NotEqual(t, oldID, h.session.ID)
	assert.Equal(t, StateWaitingCNPJ, h.state())
	assert.Equal(t, TypeOverdue, h.session.State.(WaitingCNPJ).Kind)
}

func TestEngine_TypeMenuAnswerUsesRenderedMenu(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199"} {
		h.send(in)
	}
	res := h.send("sim")
	require.Equal(t, StateSelectContributionType, h.state())
	assert.Contains(t, res.Replies[0], "1 - Contribuição Assistencial")
	shown := h.billing.types[0]

	// the tenant adds a type between the menu and the answer
	h.billing.types = append([]ContributionType{{ID: uuid.New(), Name: "Assistencial Extra"}}, h.billing.types...)

	h.send("1")
	require.Equal(t, StateWaitingCompetence, h.state())
	assert.Equal(t, shown, h.session.State.(WaitingCompetence).Type)

	h.send("08/2025")
	h.send("350,00")
	h.send("sim")
	require.Len(t, h.billing.created, 1)
	assert.Equal(t, shown.ID, h.billing.created[0].ContributionTypeID)
}

func TestEngine_TypeMenuInvalidAnswerRepeatsRenderedMenu(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199", "sim"} {
		h.send(in)
	}
	h.billing.types = nil

	res := h.send("9")
	assert.Equal(t, StateSelectContributionType, h.state())
	assert.Contains(t, res.Replies[0], "2 - Mensalidade Sindical")
}

func TestEngine_PastDueCompetenceRejected(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199", "sim", "1"} {
		h.send(in)
	}

	// 01/2020 would fall due on 10/02/2020
	res := h.send("01/2020")
	assert.Equal(t, StateWaitingCompetence, h.state())
	assert.Contains(t, res.Replies[0], "10/02/2020")
	assert.Equal(t, "competence_past_due", h.session.Flow.LastInvalidReason)

	// 06/2025 falls due on 10/07/2025, before 20/07/2025
	h.send("06/2025")
	assert.Equal(t, StateWaitingCompetence, h.state())

	// 07/2025 falls due on 10/08/2025
	h.send("07/2025")
	assert.Equal(t, StateWaitingValue, h.state())
	assert.Empty(t, h.billing.created)
}

func TestEngine_PastDueCompetenceUsesTypeDueDay(t *testing.T) {
	h := newHarness(t)
	h.clock = time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC)
	h.billing.types = []ContributionType{{ID: uuid.New(), Name: "Mensalidade Sindical", DueDay: 25}}
	for _, in := range []string{"1", "12345678000199", "sim", "1"} {
		h.send(in)
	}

	// due on 25/08/2025, still ahead of 20/08/2025
	h.send("07/2025")
	assert.Equal(t, StateWaitingValue, h.state())
}

func TestEngine_RedeliveryAfterNewConversationIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.sendID("x-1", "1")
	h.sendID("x-2", "sair")
	require.Equal(t, StateFinished, h.state())

	res := h.sendID("y-1", "oi")
	require.True(t, res.Fresh)
	require.Equal(t, StateSelectBoletoType, h.state())
	turn := h.session.Flow.Turn

	res = h.sendID("x-1", "1")
	assert.True(t, res.Duplicate)
	assert.Equal(t, StateSelectBoletoType, h.state())
	assert.Equal(t, turn, h.session.Flow.Turn)
}

func TestEngine_CompetenceAlreadyExists(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199", "sim", "1"} {
		h.send(in)
	}
	emp := h.billing.employers[clinicA][0]
	h.billing.existing[fmt.Sprintf("%s/%s/%s", emp.ID, h.billing.types[0].ID, "08/2025")] = true

	res := h.send("08/2025")
	assert.Equal(t, StateWaitingCompetence, h.state())
	assert.Contains(t, res.Replies[0], "Já existe")

	h.send("13/2024")
	assert.Equal(t, StateWaitingCompetence, h.state())
	assert.Equal(t, 2, h.session.Flow.Retries)

	h.send("10/2025")
	assert.Equal(t, StateWaitingValue, h.state())
	st := h.session.State.(WaitingValue)
	assert.Equal(t, Competence{Month: 10, Year: 2025}, st.Competence)
}

func TestEngine_OverdueRenegotiation(t *testing.T) {
	h := newHarness(t)
	overdue := Contribution{
		ID: uuid.New(), TypeName: "Mensalidade Sindical", CompetenceMonth: 5, CompetenceYear: 2025,
		ValueCents: 12000, DueDate: "2025-06-10", Status: "overdue",
	}
	h.billing.overdue = []Contribution{overdue}

	h.send("2")
	h.send("12345678000199")
	res := h.send("1")
	require.Equal(t, StateSelectContribution, h.state())
	assert.Contains(t, res.Replies[0], "1 - Mensalidade Sindical 05/2025")

	h.send("5")
	assert.Equal(t, StateSelectContribution, h.state())
	h.send("1")
	require.Equal(t, StateWaitingNewDueDate, h.state())
	assert.Equal(t, 1, h.billing.overdueCalled, "list is not re-fetched while selecting")

	h.send("20/07/2025")
	assert.Equal(t, StateWaitingNewDueDate, h.state(), "today is rejected")
	h.send("05/08/2025")
	require.Equal(t, StateConfirmBoleto, h.state())
	assert.Equal(t, "2025-08-05", *h.session.Snapshot().NewDueDate)

	res = h.send("sim")
	assert.Equal(t, StateFinished, h.state())
	require.Len(t, h.billing.rescheduled, 1)
	assert.Equal(t, "2025-08-05", h.billing.rescheduled[0].Format(isoDate))
	assert.Empty(t, h.billing.created)
	require.NotNil(t, res.Issued)
	assert.Equal(t, overdue.ID, h.session.State.(Finished).ContributionID)
}

func TestEngine_OverdueWithNothingToRenegotiate(t *testing.T) {
	h := newHarness(t)
	h.send("2")
	h.send("12345678000199")
	res := h.send("sim")
	assert.Equal(t, StateFinished, h.state())
	assert.Contains(t, res.Replies[0], "Não encontramos contribuições vencidas")
}

func TestEngine_RejectEmployerReturnsToCNPJ(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	h.send("12345678000199")
	h.send("não")
	assert.Equal(t, StateWaitingCNPJ, h.state())
	assert.Nil(t, h.session.Snapshot().EmployerID)
}

func TestEngine_DeclineConfirmationRestarts(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199", "sim", "1", "08/2025", "350,00"} {
		h.send(in)
	}
	h.send("2")
	assert.Equal(t, StateSelectBoletoType, h.state())
	snap := h.session.Snapshot()
	assert.Nil(t, snap.ValueCents)
	assert.Nil(t, snap.EmployerID)
	assert.Empty(t, h.billing.created)
}

func TestEngine_RepositoryFailureEndsInError(t *testing.T) {
	h := newHarness(t)
	for _, in := range []string{"1", "12345678000199", "sim", "1", "08/2025", "350,00"} {
		h.send(in)
	}
	h.billing.failCreate = errors.New("connection reset")
	res := h.send("sim")

	assert.Equal(t, StateError, h.state())
	assert.ErrorIs(t, res.Err, ErrRepository)
	assert.Contains(t, res.Replies[0], "Tente novamente mais tarde")
	assert.Equal(t, ReasonRepository, h.session.Flow.FailureReason)
	_, ok := h.session.State.(Failed).Draft.(NewIssue)
	assert.True(t, ok, "failed state keeps the draft for auditing")

	h.billing.failCreate = nil
	h.send("oi")
	assert.Equal(t, StateSelectBoletoType, h.state())
	assert.Empty(t, h.billing.created, "failure is not retried")
}

func TestEngine_LookupFailureEndsInError(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	h.billing.failLookup = fmt.Errorf("%w: timeout", ErrRepository)
	res := h.send("12345678000199")
	assert.Equal(t, StateError, h.state())
	assert.ErrorIs(t, res.Err, ErrRepository)
}

func TestEngine_TooManyAttempts(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	for i := 0; i < DefaultMaxRetries-1; i++ {
		h.send("123")
		require.Equal(t, StateWaitingCNPJ, h.state())
	}
	res := h.send("123")
	assert.Equal(t, StateError, h.state())
	assert.Equal(t, ReasonTooManyAttempts, h.session.Flow.FailureReason)
	assert.Contains(t, res.Replies[0], "Muitas tentativas")
}

func TestEngine_GlobalCommands(t *testing.T) {
	h := newHarness(t)
	h.send("1")
	h.send("12345678000199")
	h.send("menu")
	assert.Equal(t, StateSelectBoletoType, h.state())

	h.send("cancelar")
	assert.Equal(t, StateFinished, h.state())
	assert.Equal(t, uuid.Nil, h.session.State.(Finished).ContributionID)
}
