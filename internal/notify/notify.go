// Package notify renders one-time code messages and hands them to a
// CodeSender.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/officedir/phoneauth/pkg/models"
	"github.com/zerodha/logf"
)

// tplData is exposed to message templates.
type tplData struct {
	To        string
	Code      string
	SessionID string
	Channel   string
	TTL       time.Duration
}

// Dispatcher renders messages and pushes them through a sender.
type Dispatcher struct {
	sender  models.CodeSender
	subject *template.Template
	body    *template.Template
	lo      logf.Logger
}

// New compiles the body and (optional) subject templates for a sender.
func New(s models.CodeSender, body, subject string, lo logf.Logger) (*Dispatcher, error) {
	d := &Dispatcher{sender: s, lo: lo}

	tpl, err := template.New("body").Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("error parsing template for %s: %v", s.ID(), err)
	}
	d.body = tpl

	if subject != "" {
		tpl, err := template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("error parsing subject for %s: %v", s.ID(), err)
		}
		d.subject = tpl
	}

	return d, nil
}

// ValidateAddress checks the phone against the sender's rules.
func (d *Dispatcher) ValidateAddress(phone string) error {
	return d.sender.ValidateAddress(phone)
}

// Send renders the message for the session's current code and pushes it.
func (d *Dispatcher) Send(ctx context.Context, s models.Session, code string) error {
	var (
		ttl  = s.ExpiresAt.Sub(s.LastSentAt)
		data = tplData{
			To:        s.Phone,
			Code:      code,
			SessionID: s.ID,
			Channel:   d.sender.ChannelName(),
			TTL:       ttl,
		}

		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}
	)

	if d.subject != nil {
		if err := d.subject.Execute(subj, data); err != nil {
			return err
		}
	}
	if err := d.body.Execute(out, data); err != nil {
		return err
	}

	d.lo.Debug("sending code", "to", s.Phone, "provider", d.sender.ID(), "session", s.ID)
	return d.sender.Push(ctx, models.Message{
		To:        s.Phone,
		Code:      code,
		SessionID: s.ID,
		Subject:   strings.TrimSpace(subj.String()),
		Body:      strings.TrimSpace(out.String()),
		TTL:       ttl,
	})
}
