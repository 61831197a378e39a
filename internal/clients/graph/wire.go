package graph

import (
	"strings"
	"time"

	"github.com/casekit/docket/internal/models"
)

// Wire shapes for the mail server's REST responses.

type addressDTO struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a addressDTO) toAddress() models.EmailAddress {
	return models.EmailAddress{
		Name:    a.EmailAddress.Name,
		Address: a.EmailAddress.Address,
	}
}

func toAddresses(dtos []addressDTO) []models.EmailAddress {
	if len(dtos) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, len(dtos))
	for i, d := range dtos {
		out[i] = d.toAddress()
	}
	return out
}

type messageDTO struct {
	ID               string       `json:"id"`
	Subject          string       `json:"subject"`
	From             addressDTO   `json:"from"`
	ToRecipients     []addressDTO `json:"toRecipients"`
	CcRecipients     []addressDTO `json:"ccRecipients"`
	BccRecipients    []addressDTO `json:"bccRecipients"`
	SentDateTime     time.Time    `json:"sentDateTime"`
	ReceivedDateTime time.Time    `json:"receivedDateTime"`
	Importance       string       `json:"importance"`
	IsRead           bool         `json:"isRead"`
	IsDraft          bool         `json:"isDraft"`
	ConversationID   string       `json:"conversationId"`
	HasAttachments   bool         `json:"hasAttachments"`
}

func (m messageDTO) toMetadata() *models.EmailMetadata {
	return &models.EmailMetadata{
		MessageID:      m.ID,
		Subject:        m.Subject,
		From:           m.From.toAddress(),
		To:             toAddresses(m.ToRecipients),
		CC:             toAddresses(m.CcRecipients),
		BCC:            toAddresses(m.BccRecipients),
		SentAt:         m.SentDateTime,
		ReceivedAt:     m.ReceivedDateTime,
		Importance:     m.Importance,
		IsRead:         m.IsRead,
		IsDraft:        m.IsDraft,
		ConversationID: m.ConversationID,
		HasAttachments: m.HasAttachments,
	}
}

type headerDTO struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type contentDTO struct {
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	TextBody string      `json:"textBody"`
	RtfBody  string      `json:"rtfBody"`
	Headers  []headerDTO `json:"internetMessageHeaders"`
}

// toContent normalizes the wire content. The primary body lands in the slot
// its contentType names; repeated headers (Received and friends) merge into
// one ordered multi-value entry.
func (c contentDTO) toContent() *models.EmailContent {
	content := &models.EmailContent{
		Text: c.TextBody,
		RTF:  c.RtfBody,
	}

	switch strings.ToLower(c.Body.ContentType) {
	case "html":
		content.HTML = c.Body.Content
	case "rtf":
		if content.RTF == "" {
			content.RTF = c.Body.Content
		}
	default:
		if content.Text == "" {
			content.Text = c.Body.Content
		}
	}

	if len(c.Headers) > 0 {
		content.Headers = make(map[string]models.HeaderValue, len(c.Headers))
		for _, h := range c.Headers {
			entry := content.Headers[h.Name]
			entry.Values = append(entry.Values, h.Value)
			content.Headers[h.Name] = entry
		}
	}

	return content
}

type attachmentDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ContentType     string `json:"contentType"`
	Size            int64  `json:"size"`
	IsInline        bool   `json:"isInline"`
	ContentID       string `json:"contentId"`
	ContentLocation string `json:"contentLocation"`
	ContentBytes    []byte `json:"contentBytes"` // base64 on the wire
}

func (a attachmentDTO) toAttachment() *models.Attachment {
	size := a.Size
	if size == 0 && len(a.ContentBytes) > 0 {
		size = int64(len(a.ContentBytes))
	}
	return &models.Attachment{
		ID:              a.ID,
		Name:            a.Name,
		ContentType:     a.ContentType,
		Size:            size,
		IsInline:        a.IsInline,
		ContentID:       a.ContentID,
		ContentLocation: a.ContentLocation,
		Content:         a.ContentBytes,
	}
}

type attachmentListDTO struct {
	Value []attachmentDTO `json:"value"`
}
