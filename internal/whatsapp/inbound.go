package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tecmax-dev/sisvida-sub021/internal/crypto"
)

// ErrIgnored marks webhook deliveries that carry no user text to process
// (own messages, groups, status broadcasts, other events).
var ErrIgnored = errors.New("whatsapp: event ignored")

// Inbound is a normalised user message.
type Inbound struct {
	Instance  string
	Phone     string
	MessageID string
	Text      string
	PushName  string
	Timestamp time.Time
}

type webhookPayload struct {
	Event    string       `json:"event"`
	Instance string       `json:"instance"`
	Data     *webhookData `json:"data"`
}

type webhookData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *webhookMessage `json:"message"`
	MessageTimestamp flexInt64       `json:"messageTimestamp"`
}

type webhookMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ButtonsResponseMessage *struct {
		SelectedButtonID    string `json:"selectedButtonId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		Title             string `json:"title"`
		SingleSelectReply *struct {
			SelectedRowID string `json:"selectedRowId"`
		} `json:"singleSelectReply"`
	} `json:"listResponseMessage"`
	TemplateButtonReplyMessage *struct {
		SelectedID          string `json:"selectedId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"templateButtonReplyMessage"`
}

func (m *webhookMessage) text() string {
	switch {
	case m == nil:
		return ""
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		return m.ExtendedTextMessage.Text
	case m.ButtonsResponseMessage != nil:
		return firstNonEmpty(m.ButtonsResponseMessage.SelectedButtonID, m.ButtonsResponseMessage.SelectedDisplayText)
	case m.ListResponseMessage != nil:
		if r := m.ListResponseMessage.SingleSelectReply; r != nil && r.SelectedRowID != "" {
			return r.SelectedRowID
		}
		return m.ListResponseMessage.Title
	case m.TemplateButtonReplyMessage != nil:
		return firstNonEmpty(m.TemplateButtonReplyMessage.SelectedID, m.TemplateButtonReplyMessage.SelectedDisplayText)
	}
	return ""
}

// flexInt64 accepts a JSON number or a numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("messageTimestamp: %w", err)
	}
	*f = flexInt64(n)
	return nil
}

// ParseWebhook normalises an Evolution API webhook body. Deliveries that are not a user
// text message return ErrIgnored.
func ParseWebhook(body []byte) (Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Inbound{}, fmt.Errorf("whatsapp: invalid webhook body: %w", err)
	}
	if ev := strings.ToLower(strings.ReplaceAll(p.Event, "_", ".")); ev != "" && ev != "messages.upsert" {
		return Inbound{}, ErrIgnored
	}
	if p.Data == nil {
		return Inbound{}, ErrIgnored
	}
	d := p.Data
	jid := d.Key.RemoteJID
	if d.Key.FromMe || jid == "" || strings.HasSuffix(jid, "@g.us") || strings.HasPrefix(jid, "status@") {
		return Inbound{}, ErrIgnored
	}
	phone := normalizePhone(strings.SplitN(jid, "@", 2)[0])
	text := strings.TrimSpace(d.Message.text())
	if phone == "" || text == "" {
		return Inbound{}, ErrIgnored
	}
	in := Inbound{
		Instance:  p.Instance,
		Phone:     phone,
		MessageID: d.Key.ID,
		Text:      text,
		PushName:  d.PushName,
	}
	if d.MessageTimestamp > 0 {
		in.Timestamp = time.Unix(int64(d.MessageTimestamp), 0).UTC()
	}
	if in.MessageID == "" {
		in.MessageID = "sha256:" + crypto.SHA256Hex([]byte(fmt.Sprintf("%s|%d|%s", phone, d.MessageTimestamp, text)))
	}
	return in, nil
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
