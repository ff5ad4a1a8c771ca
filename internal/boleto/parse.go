package boleto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	isoDate = "2006-01-02"
	brDate  = "02/01/2006"

	// maxValueDigits caps the integer part of a currency amount (R$ 9.999.999.999.999,99).
	maxValueDigits = 13
)

var (
	ErrInvalidCNPJ       = fmt.Errorf("%w: cnpj must have 14 digits", ErrValidation)
	ErrInvalidCompetence = fmt.Errorf("%w: competence must be MM/AAAA", ErrValidation)
	ErrInvalidValue      = fmt.Errorf("%w: value is not an unambiguous amount", ErrValidation)
	ErrValueNotPositive  = fmt.Errorf("%w: value must be positive", ErrValidation)
	ErrInvalidDate       = fmt.Errorf("%w: date must be DD/MM/AAAA", ErrValidation)
	ErrDateNotFuture     = fmt.Errorf("%w: date must be after today", ErrValidation)
)

var (
	competenceRe = regexp.MustCompile(`^(\d{1,2})/(\d{4})$`)
	dateRe       = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
)

// ParseCNPJ strips everything but digits and requires exactly 14 of them.
func ParseCNPJ(s string) (string, error) {
	d := onlyDigits(s)
	if len(d) != 14 {
		return "", ErrInvalidCNPJ
	}
	return d, nil
}

// FormatCNPJ renders 14 digits as 00.000.000/0000-00. Other inputs are returned unchanged.
func FormatCNPJ(cnpj string) string {
	if len(cnpj) != 14 {
		return cnpj
	}
	return cnpj[:2] + "." + cnpj[2:5] + "." + cnpj[5:8] + "/" + cnpj[8:12] + "-" + cnpj[12:]
}

// ParseCompetence parses MM/YYYY. The year must lie between 2000 and next year.
func ParseCompetence(s string, now time.Time) (Competence, error) {
	m := competenceRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Competence{}, ErrInvalidCompetence
	}
	month, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return Competence{}, ErrInvalidCompetence
	}
	if year < 2000 || year > now.Year()+1 {
		return Competence{}, ErrInvalidCompetence
	}
	return Competence{Month: month, Year: year}, nil
}

// ParseValueCents converts a currency string into integer cents.
// Accepted: "350", "350,00", "1.234,56", "R$ 1.234,5", "350.00", "1.234.567".
// Rejected as ambiguous: "1,234", "1,234.56", "1.23.4", more than two decimals.
func ParseValueCents(s string) (int64, error) {
	v := strings.TrimSpace(s)
	if len(v) >= 2 && strings.EqualFold(v[:2], "R$") {
		v = strings.TrimSpace(v[2:])
	}
	if v == "" {
		return 0, ErrInvalidValue
	}
	for _, r := range v {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return 0, ErrInvalidValue
		}
	}
	var intPart, frac string
	lastComma := strings.LastIndex(v, ",")
	lastDot := strings.LastIndex(v, ".")
	switch {
	case strings.Count(v, ",") > 1:
		return 0, ErrInvalidValue
	case lastComma >= 0:
		if lastDot > lastComma {
			return 0, ErrInvalidValue
		}
		intPart, frac = v[:lastComma], v[lastComma+1:]
		if len(frac) == 0 || len(frac) > 2 {
			return 0, ErrInvalidValue
		}
	case lastDot >= 0 && strings.Count(v, ".") == 1 && len(v)-lastDot-1 <= 2:
		intPart, frac = v[:lastDot], v[lastDot+1:]
		if frac == "" {
			return 0, ErrInvalidValue
		}
	default:
		intPart = v
	}
	intPart, ok := stripThousands(intPart)
	if !ok {
		return 0, ErrInvalidValue
	}
	intPart = strings.TrimLeft(intPart, "0")
	if len(intPart) > maxValueDigits {
		return 0, ErrInvalidValue
	}
	for len(frac) < 2 {
		frac += "0"
	}
	var whole int64
	if intPart != "" {
		n, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return 0, ErrInvalidValue
		}
		whole = n
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalidValue
	}
	total := whole*100 + cents
	if total <= 0 {
		return 0, ErrValueNotPositive
	}
	return total, nil
}

// stripThousands removes '.' group separators; groups after the first must have 3 digits.
func stripThousands(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if !strings.Contains(s, ".") {
		return s, true
	}
	groups := strings.Split(s, ".")
	if len(groups[0]) < 1 || len(groups[0]) > 3 {
		return "", false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return "", false
		}
	}
	return strings.Join(groups, ""), true
}

// FormatCents renders cents as R$ 1.234,56.
func FormatCents(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	whole := strconv.FormatInt(cents/100, 10)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := fmt.Sprintf("R$ %s,%02d", b.String(), cents%100)
	if neg {
		return "-" + out
	}
	return out
}

// ParseDueDate parses DD/MM/YYYY and requires a calendar date strictly after today in loc.
// The result is midnight UTC of that calendar date.
func ParseDueDate(s string, now time.Time, loc *time.Location) (time.Time, error) {
	m := dateRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, ErrInvalidDate
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day || int(d.Month()) != month || d.Year() != year {
		return time.Time{}, ErrInvalidDate
	}
	if !d.After(Today(now, loc)) {
		return time.Time{}, ErrDateNotFuture
	}
	return d, nil
}

// Today returns the calendar date of now in loc, as midnight UTC.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	l := now.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatDate renders an ISO date (2006-01-02) as DD/MM/YYYY; unparsable input is returned as is.
func FormatDate(iso string) string {
	t, err := time.Parse(isoDate, iso)
	if err != nil {
		return iso
	}
	return t.Format(brDate)
}

type answer int

const (
	answerUnknown answer = iota
	answerYes
	answerNo
)

var (
	yesWords = map[string]bool{"1": true, "sim": true, "s": true, "yes": true, "y": true, "ok": true, "confirmo": true, "confirmar": true, "isso": true, "correto": true, "certo": true}
	noWords  = map[string]bool{"2": true, "nao": true, "n": true, "no": true, "errado": true, "incorreto": true}
)

func parseYesNo(s string) answer {
	w := fold(s)
	switch {
	case yesWords[w]:
		return answerYes
	case noWords[w]:
		return answerNo
	}
	return answerUnknown
}

// parseMenuIndex returns the zero-based index for a 1..n choice.
func parseMenuIndex(s string, n int) (int, bool) {
	v := strings.TrimSpace(s)
	if v == "" || len(v) > 3 {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i - 1, true
}

func parseBoletoType(s string) (BoletoType, bool) {
	switch fold(s) {
	case "1", "a vencer", "avencer":
		return TypeUpcoming, true
	case "2", "vencido":
		return TypeOverdue, true
	}
	return "", false
}

type command int

const (
	commandNone command = iota
	commandExit
	commandRestart
)

func parseCommand(s string) command {
	switch fold(s) {
	case "sair", "cancelar", "encerrar":
		return commandExit
	case "menu", "reiniciar", "inicio":
		return commandRestart
	}
	return commandNone
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases, trims, drops accents and trailing punctuation.
func fold(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(strings.TrimSpace(out))
	return strings.TrimRight(out, ".!")
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
