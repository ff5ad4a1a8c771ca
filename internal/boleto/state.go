package boleto

import (
	"time"

	"github.com/google/uuid"
)

// StateName is the persisted name of a conversation state.
type StateName string

const (
	StateInit                   StateName = "INIT"
	StateSelectBoletoType       StateName = "SELECT_BOLETO_TYPE"
	StateWaitingCNPJ            StateName = "WAITING_CNPJ"
	StateConfirmEmployer        StateName = "CONFIRM_EMPLOYER"
	StateSelectContributionType StateName = "SELECT_CONTRIBUTION_TYPE"
	StateWaitingCompetence      StateName = "WAITING_COMPETENCE"
	StateWaitingValue           StateName = "WAITING_VALUE"
	StateSelectContribution     StateName = "SELECT_CONTRIBUTION"
	StateWaitingNewDueDate      StateName = "WAITING_NEW_DUE_DATE"
	StateConfirmBoleto          StateName = "CONFIRM_BOLETO"
	StateFinished               StateName = "FINISHED"
	StateError                  StateName = "ERROR"
)

// BoletoType selects the sub-path: new issuance (a vencer) or renegotiation (vencido).
type BoletoType string

const (
	TypeUpcoming BoletoType = "a_vencer"
	TypeOverdue  BoletoType = "vencido"
)

// State is one step of the conversation. Each implementation carries only the
// data that is valid while the conversation is in that step.
type State interface {
	Name() StateName
	state()
}

// Terminal reports whether no further transition can be applied to st.
func Terminal(st State) bool {
	switch st.(type) {
	case Finished, Failed:
		return true
	}
	return false
}

type Init struct{}

type SelectBoletoType struct{}

type WaitingCNPJ struct {
	Kind BoletoType
}

type ConfirmEmployer struct {
	Kind     BoletoType
	Employer Employer
}

// SelectContributionType is only reachable on the a vencer path. Available is the menu as
// rendered on entry; answers index into it.
type SelectContributionType struct {
	Employer  Employer
	Available []ContributionType
}

type WaitingCompetence struct {
	Employer Employer
	Type     ContributionType
}

type WaitingValue struct {
	Employer   Employer
	Type       ContributionType
	Competence Competence
}

// SelectContribution is only reachable on the vencido path. Available is fetched once on entry.
type SelectContribution struct {
	Employer  Employer
	Available []Contribution
}

type WaitingNewDueDate struct {
	Employer     Employer
	Contribution Contribution
}

type ConfirmBoleto struct {
	Draft Draft
}

// Finished ends the conversation. Draft is nil and ContributionID is uuid.Nil
// when the user left or nothing could be issued.
type Finished struct {
	Draft          Draft
	ContributionID uuid.UUID
}

// Failed is the ERROR state.
type Failed struct {
	Reason string
	Draft  Draft
}

func (Init) Name() StateName                   { return StateInit }
func (SelectBoletoType) Name() StateName       { return StateSelectBoletoType }
func (WaitingCNPJ) Name() StateName            { return StateWaitingCNPJ }
func (ConfirmEmployer) Name() StateName        { return StateConfirmEmployer }
func (SelectContributionType) Name() StateName { return StateSelectContributionType }
func (WaitingCompetence) Name() StateName      { return StateWaitingCompetence }
func (WaitingValue) Name() StateName           { return StateWaitingValue }
func (SelectContribution) Name() StateName     { return StateSelectContribution }
func (WaitingNewDueDate) Name() StateName      { return StateWaitingNewDueDate }
func (ConfirmBoleto) Name() StateName          { return StateConfirmBoleto }
func (Finished) Name() StateName               { return StateFinished }
func (Failed) Name() StateName                 { return StateError }

func (Init) state()                   {}
func (SelectBoletoType) state()       {}
func (WaitingCNPJ) state()            {}
func (ConfirmEmployer) state()        {}
func (SelectContributionType) state() {}
func (WaitingCompetence) state()      {}
func (WaitingValue) state()           {}
func (SelectContribution) state()     {}
func (WaitingNewDueDate) state()      {}
func (ConfirmBoleto) state()          {}
func (Finished) state()               {}
func (Failed) state()                 {}

// Draft is the boleto awaiting confirmation.
type Draft interface {
	Kind() BoletoType
	employer() Employer
}

// NewIssue creates a new contribution record (a vencer).
type NewIssue struct {
	Employer   Employer
	Type       ContributionType
	Competence Competence
	ValueCents int64
}

// Renegotiation moves the due date of an overdue contribution (vencido).
type Renegotiation struct {
	Employer     Employer
	Contribution Contribution
	NewDueDate   time.Time
}

func (NewIssue) Kind() BoletoType      { return TypeUpcoming }
func (Renegotiation) Kind() BoletoType { return TypeOverdue }

func (d NewIssue) employer() Employer      { return d.Employer }
func (d Renegotiation) employer() Employer { return d.Employer }
