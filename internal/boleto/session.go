package boleto

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// processedIDsCap bounds the dedup ring kept in FlowContext.
const processedIDsCap = 32

// ErrCorruptSession is returned by Restore when the stored columns do not match the state.
var ErrCorruptSession = errors.New("corrupt session snapshot")

// Session is the conversation of one phone with one clinic.
type Session struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	Phone     string
	State     State
	Flow      FlowContext
	ExpiresAt time.Time
	CreatedAt time.Time
	// Version is the stored version this session was loaded at (0 = never stored).
	Version int64
}

// FlowContext is per-session scratch data persisted as JSON.
type FlowContext struct {
	Turn                 int      `json:"turn"`
	Retries              int      `json:"retries"`
	LastInvalidReason    string   `json:"last_invalid_reason,omitempty"`
	FailureReason        string   `json:"failure_reason,omitempty"`
	ContributionTypeName string   `json:"contribution_type_name,omitempty"`
	ContributionTypeDue  int      `json:"contribution_type_due_day,omitempty"`
	ProcessedMessageIDs  []string `json:"processed_message_ids,omitempty"`
	LastReply            []string `json:"last_reply,omitempty"`
}

// Expired reports whether the session can no longer be resumed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Seen reports whether messageID was already consumed by this session.
func (s *Session) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, id := range s.Flow.ProcessedMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

func (f *FlowContext) remember(messageID string) {
	if messageID == "" {
		return
	}
	f.ProcessedMessageIDs = append(f.ProcessedMessageIDs, messageID)
	if n := len(f.ProcessedMessageIDs); n > processedIDsCap {
		f.ProcessedMessageIDs = append([]string(nil), f.ProcessedMessageIDs[n-processedIDsCap:]...)
	}
}

// Snapshot is the flat, column-shaped form of a session.
type Snapshot struct {
	ID                     uuid.UUID
	ClinicID               uuid.UUID
	Phone                  string
	State                  StateName
	EmployerID             *uuid.UUID
	EmployerCNPJ           *string
	EmployerName           *string
	ContributionID         *uuid.UUID
	ContributionTypeID     *uuid.UUID
	CompetenceMonth        *int
	CompetenceYear         *int
	ValueCents             *int64
	NewDueDate             *string // 2006-01-02
	BoletoType             *BoletoType
	AvailableContributions []Contribution
	AvailableTypes         []ContributionType
	FlowContext            FlowContext
	ExpiresAt              time.Time
	CreatedAt              time.Time
	Version                int64
}

// Snapshot flattens the session.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.ID,
		ClinicID:    s.ClinicID,
		Phone:       s.Phone,
		State:       s.State.Name(),
		FlowContext: s.Flow,
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
		Version:     s.Version,
	}
	switch st := s.State.(type) {
	case WaitingCNPJ:
		snap.BoletoType = kindPtr(st.Kind)
	case ConfirmEmployer:
		snap.BoletoType = kindPtr(st.Kind)
		snap.putEmployer(st.Employer)
	case SelectContributionType:
		snap.BoletoType = kindPtr(TypeUpcoming)
		snap.putEmployer(st.Employer)
		snap.AvailableTypes = st.Available
	case WaitingCompetence:
		snap.BoletoType = kindPtr(TypeUpcoming)
		snap.putEmployer(st.Employer)
		snap.putType(st.Type)
	case WaitingValue:
		snap.BoletoType = kindPtr(TypeUpcoming)
		snap.putEmployer(st.Employer)
		snap.putType(st.Type)
		snap.putCompetence(st.Competence)
	case SelectContribution:
		snap.BoletoType = kindPtr(TypeOverdue)
		snap.putEmployer(st.Employer)
		snap.AvailableContributions = st.Available
	case WaitingNewDueDate:
		snap.BoletoType = kindPtr(TypeOverdue)
		snap.putEmployer(st.Employer)
		snap.putContribution(st.Contribution)
	case ConfirmBoleto:
		snap.putDraft(st.Draft)
	case Finished:
		snap.putDraft(st.Draft)
		if st.ContributionID != uuid.Nil {
			id := st.ContributionID
			snap.ContributionID = &id
		}
	case Failed:
		snap.putDraft(st.Draft)
	}
	return snap
}

func (snap *Snapshot) putEmployer(e Employer) {
	id, cnpj, name := e.ID, e.CNPJ, e.Name
	snap.EmployerID, snap.EmployerCNPJ, snap.EmployerName = &id, &cnpj, &name
}

func (snap *Snapshot) putType(t ContributionType) {
	id := t.ID
	snap.ContributionTypeID = &id
	snap.FlowContext.ContributionTypeName = t.Name
	snap.FlowContext.ContributionTypeDue = t.DueDay
}

func (snap *Snapshot) putCompetence(c Competence) {
	m, y := c.Month, c.Year
	snap.CompetenceMonth, snap.CompetenceYear = &m, &y
}

func (snap *Snapshot) putContribution(c Contribution) {
	id := c.ID
	snap.ContributionID = &id
	snap.AvailableContributions = []Contribution{c}
}

func (snap *Snapshot) putDraft(d Draft) {
	switch d := d.(type) {
	case NewIssue:
		snap.BoletoType = kindPtr(TypeUpcoming)
		snap.putEmployer(d.Employer)
		snap.putType(d.Type)
		snap.putCompetence(d.Competence)
		v := d.ValueCents
		snap.ValueCents = &v
	case Renegotiation:
		snap.BoletoType = kindPtr(TypeOverdue)
		snap.putEmployer(d.Employer)
		snap.putContribution(d.Contribution)
		due := d.NewDueDate.Format(isoDate)
		snap.NewDueDate = &due
	}
}

// Restore rebuilds a session from its snapshot.
func Restore(snap Snapshot) (*Session, error) {
	s := &Session{
		ID:        snap.ID,
		ClinicID:  snap.ClinicID,
		Phone:     snap.Phone,
		Flow:      snap.FlowContext,
		ExpiresAt: snap.ExpiresAt,
		CreatedAt: snap.CreatedAt,
		Version:   snap.Version,
	}
	st, err := snap.state()
	if err != nil {
		return nil, fmt.Errorf("%w: session %s state %s: %v", ErrCorruptSession, snap.ID, snap.State, err)
	}
	s.State = st
	return s, nil
}

func (snap Snapshot) state() (State, error) {
	switch snap.State {
	case StateInit:
		return Init{}, nil
	case StateSelectBoletoType:
		return SelectBoletoType{}, nil
	case StateWaitingCNPJ:
		kind, err := snap.kind()
		if err != nil {
			return nil, err
		}
		return WaitingCNPJ{Kind: kind}, nil
	case StateConfirmEmployer:
		kind, err := snap.kind()
		if err != nil {
			return nil, err
		}
		emp, err := snap.employer()
		if err != nil {
			return nil, err
		}
		return ConfirmEmployer{Kind: kind, Employer: emp}, nil
	case StateSelectContributionType:
		emp, err := snap.employer()
		if err != nil {
			return nil, err
		}
		if len(snap.AvailableTypes) == 0 {
			return nil, errors.New("available_contribution_types missing")
		}
		return SelectContributionType{Employer: emp, Available: snap.AvailableTypes}, nil
	case StateWaitingCompetence:
		emp, err := snap.employer()
		if err != nil {
			return nil, err
		}
		typ, err := snap.contributionType()
		if err != nil {
			return nil, err
		}
		return WaitingCompetence{Employer: emp, Type: typ}, nil
	case StateWaitingValue:
		emp, err := snap.employer()
		if err != nil {
			return nil, err
		}
		typ, err := snap.contributionType()
		if err != nil {
			return nil, err
		}
		comp, err := snap.competence()
		if err != nil {
			return nil, err
		}
		return WaitingValue{Employer: emp, Type: typ, Competence: comp}, nil
	case StateSelectContribution:
		emp, err := snap.employer()
		if err != nil {
			return nil, err
		}
		return SelectContribution{Employer: emp, Available: snap.AvailableContributions}, nil
	case StateWaitingNewDueDate:
		emp, err := snap.employer()
		if err != nil {
			return nil, err
		}
		c, err := snap.contribution()
		if err != nil {
			return nil, err
		}
		return WaitingNewDueDate{Employer: emp, Contribution: c}, nil
	case StateConfirmBoleto:
		d, err := snap.draft()
		if err != nil {
			return nil, err
		}
		return ConfirmBoleto{Draft: d}, nil
	case StateFinished:
		f := Finished{}
		if snap.BoletoType != nil {
			d, err := snap.draft()
			if err != nil {
				return nil, err
			}
			f.Draft = d
		}
		if snap.ContributionID != nil {
			f.ContributionID = *snap.ContributionID
		}
		return f, nil
	case StateError:
		f := Failed{Reason: snap.FlowContext.FailureReason}
		if snap.BoletoType != nil {
			// best effort: an ERROR row may have been written before the draft was complete
			if d, err := snap.draft(); err == nil {
				f.Draft = d
			}
		}
		return f, nil
	}
	return nil, fmt.Errorf("unknown state %q", snap.State)
}

func (snap Snapshot) kind() (BoletoType, error) {
	if snap.BoletoType == nil {
		return "", errors.New("boleto_type missing")
	}
	switch *snap.BoletoType {
	case TypeUpcoming, TypeOverdue:
		return *snap.BoletoType, nil
	}
	return "", fmt.Errorf("boleto_type %q", *snap.BoletoType)
}

func (snap Snapshot) employer() (Employer, error) {
	if snap.EmployerID == nil || snap.EmployerCNPJ == nil {
		return Employer{}, errors.New("employer missing")
	}
	e := Employer{ID: *snap.EmployerID, CNPJ: *snap.EmployerCNPJ}
	if snap.EmployerName != nil {
		e.Name = *snap.EmployerName
	}
	return e, nil
}

func (snap Snapshot) contributionType() (ContributionType, error) {
	if snap.ContributionTypeID == nil {
		return ContributionType{}, errors.New("contribution_type_id missing")
	}
	return ContributionType{
		ID:     *snap.ContributionTypeID,
		Name:   snap.FlowContext.ContributionTypeName,
		DueDay: snap.FlowContext.ContributionTypeDue,
	}, nil
}

func (snap Snapshot) competence() (Competence, error) {
	if snap.CompetenceMonth == nil || snap.CompetenceYear == nil {
		return Competence{}, errors.New("competence missing")
	}
	return Competence{Month: *snap.CompetenceMonth, Year: *snap.CompetenceYear}, nil
}

func (snap Snapshot) contribution() (Contribution, error) {
	if snap.ContributionID == nil {
		return Contribution{}, errors.New("contribution_id missing")
	}
	for _, c := range snap.AvailableContributions {
		if c.ID == *snap.ContributionID {
			return c, nil
		}
	}
	return Contribution{}, errors.New("selected contribution not in available_contributions")
}

func (snap Snapshot) draft() (Draft, error) {
	kind, err := snap.kind()
	if err != nil {
		return nil, err
	}
	emp, err := snap.employer()
	if err != nil {
		return nil, err
	}
	if kind == TypeUpcoming {
		typ, err := snap.contributionType()
		if err != nil {
			return nil, err
		}
		comp, err := snap.competence()
		if err != nil {
			return nil, err
		}
		if snap.ValueCents == nil {
			return nil, errors.New("value_cents missing")
		}
		return NewIssue{Employer: emp, Type: typ, Competence: comp, ValueCents: *snap.ValueCents}, nil
	}
	c, err := snap.contribution()
	if err != nil {
		return nil, err
	}
	if snap.NewDueDate == nil {
		return nil, errors.New("new_due_date missing")
	}
	due, err := time.Parse(isoDate, *snap.NewDueDate)
	if err != nil {
		return nil, fmt.Errorf("new_due_date: %w", err)
	}
	return Renegotiation{Employer: emp, Contribution: c, NewDueDate: due}, nil
}

func kindPtr(k BoletoType) *BoletoType { return &k }
