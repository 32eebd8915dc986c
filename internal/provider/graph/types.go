// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"encoding/base64"

	"github.com/shineum/scan-intake/internal/email"
)

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject           string            `json:"subject"`
	Body              messageBody       `json:"body"`
	From              *recipient        `json:"from,omitempty"`
	ToRecipients      []recipient       `json:"toRecipients"`
	InternetMessageID string            `json:"internetMessageId,omitempty"`
	Attachments       []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// tokenResponse is the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts an email.Email into a sendMail request body.
// Graph carries a single body, so HTML wins over text when both are set.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: msg.TextBody}
	if msg.HtmlBody != "" {
		body = messageBody{ContentType: "html", Content: msg.HtmlBody}
	}

	to := make([]recipient, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, recipient{EmailAddress: emailAddress{Address: addr}})
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  contentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	req := &sendMailRequest{
		Message: sendMailMessage{
			Subject:           msg.Subject,
			Body:              body,
			ToRecipients:      to,
			InternetMessageID: msg.MessageID,
			Attachments:       attachments,
		},
		SaveToSentItems: true,
	}
	if msg.From != "" {
		req.Message.From = &recipient{EmailAddress: emailAddress{Address: msg.From}}
	}
	return req
}
