package boleto

import (
	"fmt"
	"strings"
	"time"
)

const (
	msgWelcome         = "Olá! Sou o assistente de boletos. Responda *sair* a qualquer momento para encerrar ou *menu* para recomeçar."
	msgBoletoTypeMenu  = "Qual boleto você precisa?\n1 - A vencer\n2 - Vencido"
	msgInvalidOption   = "Opção inválida."
	msgAskCNPJ         = "Informe o CNPJ da empresa (somente números ou no formato 00.000.000/0000-00)."
	msgInvalidCNPJ     = "CNPJ inválido. O CNPJ deve ter 14 dígitos."
	msgCNPJNotFound    = "Empresa não encontrada para este CNPJ. Verifique o número e tente novamente."
	msgYesNoHint       = "Responda 1 - Sim ou 2 - Não."
	msgAskCompetence   = "Informe a competência no formato MM/AAAA (ex.: 08/2025)."
	msgInvalidComp     = "Competência inválida. Use o formato MM/AAAA com mês entre 01 e 12."
	msgAskValue        = "Informe o valor do boleto (ex.: 350,00)."
	msgInvalidValue    = "Valor inválido. Informe um valor positivo, por exemplo 1.234,56."
	msgAskDueDate      = "Informe a nova data de vencimento no formato DD/MM/AAAA."
	msgInvalidDate     = "Data inválida. Use o formato DD/MM/AAAA."
	msgDateNotFuture   = "A nova data de vencimento deve ser posterior a hoje."
	msgNoTypes         = "Nenhum tipo de contribuição está configurado. Procure o sindicato para mais informações."
	msgNoOverdue       = "Não encontramos contribuições vencidas para esta empresa. Nada a renegociar."
	msgRestart         = "Tudo bem, vamos recomeçar."
	msgFarewell        = "Atendimento encerrado. Quando precisar, é só mandar uma mensagem."
	msgTooManyAttempts = "Muitas tentativas inválidas. O atendimento foi encerrado; envie uma nova mensagem para começar de novo."
	msgFailure         = "Não foi possível concluir sua solicitação agora. Tente novamente mais tarde enviando uma nova mensagem."
)

// MsgUnavailable is sent when a turn could not run at all (database unreachable).
const MsgUnavailable = msgFailure

func msgConfirmEmployer(e Employer) string {
	return fmt.Sprintf("Empresa encontrada:\n*%s*\nCNPJ %s\n\nConfirma? %s", e.Name, FormatCNPJ(e.CNPJ), msgYesNoHint)
}

func msgContributionTypeMenu(types []ContributionType) string {
	var b strings.Builder
	b.WriteString("Selecione o tipo de contribuição:")
	for i, t := range types {
		fmt.Fprintf(&b, "\n%d - %s", i+1, t.Name)
	}
	return b.String()
}

func msgCompetenceExists(c Competence) string {
	return fmt.Sprintf("Já existe um boleto desta contribuição para a competência %s. Informe outra competência.", c)
}

func msgCompetencePastDue(c Competence, due time.Time) string {
	return fmt.Sprintf("O boleto da competência %s venceria em %s, que já passou. Informe uma competência mais recente ou digite *menu* e escolha 2 - Vencido.", c, due.Format(brDate))
}

func msgContributionMenu(cs []Contribution) string {
	var b strings.Builder
	b.WriteString("Contribuições vencidas:")
	for i, c := range cs {
		fmt.Fprintf(&b, "\n%d - %s %s - %s - venc. %s", i+1, c.TypeName, c.Competence(), FormatCents(c.ValueCents), FormatDate(c.DueDate))
	}
	b.WriteString("\n\nResponda com o número da contribuição.")
	return b.String()
}

func msgSummary(d Draft) string {
	var b strings.Builder
	b.WriteString("Confira os dados do boleto:\n")
	switch d := d.(type) {
	case NewIssue:
		fmt.Fprintf(&b, "Empresa: %s\nCNPJ: %s\nContribuição: %s\nCompetência: %s\nValor: %s",
			d.Employer.Name, FormatCNPJ(d.Employer.CNPJ), d.Type.Name, d.Competence, FormatCents(d.ValueCents))
	case Renegotiation:
		fmt.Fprintf(&b, "Empresa: %s\nCNPJ: %s\nContribuição: %s\nCompetência: %s\nValor: %s\nVencimento atual: %s\nNovo vencimento: %s",
			d.Employer.Name, FormatCNPJ(d.Employer.CNPJ), d.Contribution.TypeName, d.Contribution.Competence(),
			FormatCents(d.Contribution.ValueCents), FormatDate(d.Contribution.DueDate), d.NewDueDate.Format(brDate))
	}
	b.WriteString("\n\nConfirma a emissão? ")
	b.WriteString(msgYesNoHint)
	return b.String()
}

func msgIssued(d Draft, c *Contribution) string {
	switch d.(type) {
	case Renegotiation:
		return fmt.Sprintf("Boleto renegociado com sucesso! Novo vencimento: %s.", FormatDate(c.DueDate))
	}
	return fmt.Sprintf("Boleto emitido com sucesso!\nCompetência %s - %s - vencimento %s.", c.Competence(), FormatCents(c.ValueCents), FormatDate(c.DueDate))
}

func withError(prefix, prompt string) string {
	return prefix + "\n\n" + prompt
}
