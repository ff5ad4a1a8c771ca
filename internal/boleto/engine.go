package boleto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSessionTTL = 30 * time.Minute
	DefaultMaxRetries = 5
)

// Failure reasons stored in FlowContext.FailureReason.
const (
	ReasonTooManyAttempts = "too_many_attempts"
	ReasonRepository      = "repository_failure"
	ReasonNoTypes         = "no_contribution_types"
	ReasonCorruptSession  = "corrupt_session"
)

// Engine is the boleto conversation state machine. It holds no per-conversation
// data; everything lives in the Session passed to Handle.
type Engine struct {
	// MaxRetries invalid answers in the same state end the conversation in ERROR. 0 disables the cap.
	MaxRetries int
	SessionTTL time.Duration
	// Location decides what "today" is for due dates and competences.
	Location *time.Location
	Now      func() time.Time
}

// NewEngine returns an engine with the given policy; zero values fall back to the defaults.
func NewEngine(maxRetries int, ttl time.Duration, loc *time.Location) *Engine {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{MaxRetries: maxRetries, SessionTTL: ttl, Location: loc, Now: time.Now}
}

// Inbound is one user message as seen by the engine.
type Inbound struct {
	MessageID string
	Text      string
}

// Issue is the billing mutation committed during a turn.
type Issue struct {
	Draft        Draft
	Contribution Contribution
}

// Result is what a turn produced besides the session itself.
type Result struct {
	Replies []string
	// Duplicate is set when the message id was already consumed; Replies then repeat the last answer
	// and the session must not be saved.
	Duplicate bool
	// Fresh is set when a new session replaced a missing, expired or finished one.
	Fresh  bool
	Issued *Issue
	// Err is the repository failure that moved the session to ERROR, wrapped in ErrRepository.
	Err error
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) loc() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.UTC
}

func (e *Engine) ttl() time.Duration {
	if e.SessionTTL > 0 {
		return e.SessionTTL
	}
	return DefaultSessionTTL
}

// NewSession starts a conversation in INIT.
func (e *Engine) NewSession(clinicID uuid.UUID, phone string) *Session {
	now := e.now()
	return &Session{
		ID:        uuid.New(),
		ClinicID:  clinicID,
		Phone:     phone,
		State:     Init{},
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl()),
	}
}

// Handle applies one inbound message. stored is the persisted session for (clinicID, phone), or nil.
// The returned session is the one to persist; it keeps stored.Version so the write can be
// compared-and-swapped even when a fresh session supersedes the stored one.
func (e *Engine) Handle(ctx context.Context, billing Billing, stored *Session, clinicID uuid.UUID, phone string, in Inbound) (*Session, Result) {
	if stored != nil && stored.Seen(in.MessageID) {
		return stored, Result{Replies: append([]string(nil), stored.Flow.LastReply...), Duplicate: true}
	}
	s := stored
	fresh := false
	if s == nil || Terminal(s.State) || s.Expired(e.now()) {
		s = e.NewSession(clinicID, phone)
		if stored != nil {
			s.Version = stored.Version
			// redeliveries of messages the old conversation consumed stay duplicates
			s.Flow.ProcessedMessageIDs = append([]string(nil), stored.Flow.ProcessedMessageIDs...)
		}
		fresh = true
	}
	res := e.Step(ctx, billing, s, in)
	res.Fresh = fresh
	return s, res
}

// Step applies in to a live session, mutating it in place.
func (e *Engine) Step(ctx context.Context, billing Billing, s *Session, in Inbound) Result {
	t := &turn{ctx: ctx, e: e, billing: billing, s: s, now: e.now()}
	s.Flow.Turn++
	s.Flow.remember(in.MessageID)
	s.ExpiresAt = t.now.Add(e.ttl())
	t.run(in.Text)
	s.Flow.LastReply = t.replies
	return Result{Replies: t.replies, Issued: t.issued, Err: t.err}
}

type turn struct {
	ctx     context.Context
	e       *Engine
	billing Billing
	s       *Session
	now     time.Time

	replies []string
	issued  *Issue
	err     error
}

func (t *turn) say(msgs ...string) {
	t.replies = append(t.replies, msgs...)
}

func (t *turn) moveTo(st State, msgs ...string) {
	t.s.State = st
	t.s.Flow.Retries = 0
	t.s.Flow.LastInvalidReason = ""
	t.say(msgs...)
}

// invalid keeps the current state and re-prompts, unless the retry cap is reached.
func (t *turn) invalid(reason, prompt string) {
	t.s.Flow.Retries++
	t.s.Flow.LastInvalidReason = reason
	if t.e.MaxRetries > 0 && t.s.Flow.Retries >= t.e.MaxRetries {
		t.fail(ReasonTooManyAttempts, msgTooManyAttempts)
		return
	}
	t.say(prompt)
}

func (t *turn) fail(reason, msg string) {
	var draft Draft
	if cb, ok := t.s.State.(ConfirmBoleto); ok {
		draft = cb.Draft
	}
	t.s.State = Failed{Reason: reason, Draft: draft}
	t.s.Flow.FailureReason = reason
	t.say(msg)
}

func (t *turn) repositoryFailure(op string, err error) {
	if !errors.Is(err, ErrRepository) {
		err = fmt.Errorf("%w: %v", ErrRepository, err)
	}
	t.err = fmt.Errorf("%s: %w", op, err)
	t.fail(ReasonRepository, msgFailure)
}

func (t *turn) run(text string) {
	switch parseCommand(text) {
	case commandExit:
		t.moveTo(Finished{}, msgFarewell)
		return
	case commandRestart:
		t.moveTo(SelectBoletoType{}, msgRestart, msgBoletoTypeMenu)
		return
	}

	switch st := t.s.State.(type) {
	case Init:
		t.start(text)
	case SelectBoletoType:
		t.selectBoletoType(text)
	case WaitingCNPJ:
		t.waitingCNPJ(st, text)
	case ConfirmEmployer:
		t.confirmEmployer(st, text)
	case SelectContributionType:
		t.selectContributionType(st, text)
	case WaitingCompetence:
		t.waitingCompetence(st, text)
	case WaitingValue:
		t.waitingValue(st, text)
	case SelectContribution:
		t.selectContribution(st, text)
	case WaitingNewDueDate:
		t.waitingNewDueDate(st, text)
	case ConfirmBoleto:
		t.confirmBoleto(st, text)
	default:
		// terminal sessions are superseded before reaching the engine
		t.say(msgFailure)
	}
}

// start greets and shows the menu. A first message that already is a menu choice is applied.
func (t *turn) start(text string) {
	t.say(msgWelcome)
	if kind, ok := parseBoletoType(text); ok {
		t.moveTo(WaitingCNPJ{Kind: kind}, msgAskCNPJ)
		return
	}
	t.moveTo(SelectBoletoType{}, msgBoletoTypeMenu)
}

func (t *turn) selectBoletoType(text string) {
	kind, ok := parseBoletoType(text)
	if !ok {
		t.invalid("invalid_option", withError(msgInvalidOption, msgBoletoTypeMenu))
		return
	}
	t.moveTo(WaitingCNPJ{Kind: kind}, msgAskCNPJ)
}

func (t *turn) waitingCNPJ(st WaitingCNPJ, text string) {
	cnpj, err := ParseCNPJ(text)
	if err != nil {
		t.invalid("invalid_cnpj", msgInvalidCNPJ)
		return
	}
	emp, err := t.billing.EmployerByCNPJ(t.ctx, t.s.ClinicID, cnpj)
	if errors.Is(err, ErrNotFound) {
		t.invalid("cnpj_not_found", msgCNPJNotFound)
		return
	}
	if err != nil {
		t.repositoryFailure("employer lookup", err)
		return
	}
	t.moveTo(ConfirmEmployer{Kind: st.Kind, Employer: *emp}, msgConfirmEmployer(*emp))
}

func (t *turn) confirmEmployer(st ConfirmEmployer, text string) {
	switch parseYesNo(text) {
	case answerNo:
		t.moveTo(WaitingCNPJ{Kind: st.Kind}, msgAskCNPJ)
		return
	case answerUnknown:
		t.invalid("invalid_yes_no", withError(msgInvalidOption, msgConfirmEmployer(st.Employer)))
		return
	}
	if st.Kind == TypeUpcoming {
		types, ok := t.contributionTypes()
		if !ok {
			return
		}
		t.moveTo(SelectContributionType{Employer: st.Employer, Available: types}, msgContributionTypeMenu(types))
		return
	}
	overdue, err := t.billing.OverdueContributions(t.ctx, t.s.ClinicID, st.Employer.ID, Today(t.now, t.e.loc()))
	if err != nil {
		t.repositoryFailure("overdue contributions", err)
		return
	}
	if len(overdue) == 0 {
		t.moveTo(Finished{}, msgNoOverdue)
		return
	}
	t.moveTo(SelectContribution{Employer: st.Employer, Available: overdue}, msgContributionMenu(overdue))
}

func (t *turn) contributionTypes() ([]ContributionType, bool) {
	types, err := t.billing.ContributionTypes(t.ctx, t.s.ClinicID)
	if err != nil {
		t.repositoryFailure("contribution types", err)
		return nil, false
	}
	if len(types) == 0 {
		t.fail(ReasonNoTypes, msgNoTypes)
		return nil, false
	}
	return types, true
}

func (t *turn) selectContributionType(st SelectContributionType, text string) {
	i, ok := parseMenuIndex(text, len(st.Available))
	if !ok {
		t.invalid("invalid_option", withError(msgInvalidOption, msgContributionTypeMenu(st.Available)))
		return
	}
	t.moveTo(WaitingCompetence{Employer: st.Employer, Type: st.Available[i]}, msgAskCompetence)
}

func (t *turn) waitingCompetence(st WaitingCompetence, text string) {
	comp, err := ParseCompetence(text, t.now.In(t.e.loc()))
	if err != nil {
		t.invalid("invalid_competence", msgInvalidComp)
		return
	}
	// an a vencer boleto must not be born overdue
	if due := comp.DueDate(st.Type.DueDay); !due.After(Today(t.now, t.e.loc())) {
		t.invalid("competence_past_due", msgCompetencePastDue(comp, due))
		return
	}
	existing, err := t.billing.ContributionForCompetence(t.ctx, t.s.ClinicID, st.Employer.ID, st.Type.ID, comp)
	if err != nil {
		t.repositoryFailure("competence lookup", err)
		return
	}
	if existing != nil {
		t.invalid("competence_exists", msgCompetenceExists(comp))
		return
	}
	t.moveTo(WaitingValue{Employer: st.Employer, Type: st.Type, Competence: comp}, msgAskValue)
}

func (t *turn) waitingValue(st WaitingValue, text string) {
	cents, err := ParseValueCents(text)
	if err != nil {
		t.invalid("invalid_value", msgInvalidValue)
		return
	}
	d := NewIssue{Employer: st.Employer, Type: st.Type, Competence: st.Competence, ValueCents: cents}
	t.moveTo(ConfirmBoleto{Draft: d}, msgSummary(d))
}

func (t *turn) selectContribution(st SelectContribution, text string) {
	i, ok := parseMenuIndex(text, len(st.Available))
	if !ok {
		t.invalid("invalid_option", withError(msgInvalidOption, msgContributionMenu(st.Available)))
		return
	}
	t.moveTo(WaitingNewDueDate{Employer: st.Employer, Contribution: st.Available[i]}, msgAskDueDate)
}

func (t *turn) waitingNewDueDate(st WaitingNewDueDate, text string) {
	due, err := ParseDueDate(text, t.now, t.e.loc())
	switch {
	case errors.Is(err, ErrDateNotFuture):
		t.invalid("due_date_not_future", msgDateNotFuture)
		return
	case err != nil:
		t.invalid("invalid_due_date", msgInvalidDate)
		return
	}
	d := Renegotiation{Employer: st.Employer, Contribution: st.Contribution, NewDueDate: due}
	t.moveTo(ConfirmBoleto{Draft: d}, msgSummary(d))
}

func (t *turn) confirmBoleto(st ConfirmBoleto, text string) {
	switch parseYesNo(text) {
	case answerNo:
		t.moveTo(SelectBoletoType{}, msgRestart, msgBoletoTypeMenu)
		return
	case answerUnknown:
		t.invalid("invalid_yes_no", withError(msgInvalidOption, msgSummary(st.Draft)))
		return
	}

	var (
		c   *Contribution
		err error
	)
	switch d := st.Draft.(type) {
	case NewIssue:
		c, err = t.billing.CreateContribution(t.ctx, NewContribution{
			ClinicID:           t.s.ClinicID,
			EmployerID:         d.Employer.ID,
			ContributionTypeID: d.Type.ID,
			Competence:         d.Competence,
			ValueCents:         d.ValueCents,
		})
	case Renegotiation:
		c, err = t.billing.RescheduleContribution(t.ctx, t.s.ClinicID, d.Employer.ID, d.Contribution.ID, d.NewDueDate)
	}
	if err != nil {
		t.repositoryFailure("issue boleto", err)
		return
	}
	t.issued = &Issue{Draft: st.Draft, Contribution: *c}
	t.moveTo(Finished{Draft: st.Draft, ContributionID: c.ID}, msgIssued(st.Draft, c))
}
