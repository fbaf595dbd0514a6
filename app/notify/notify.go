// Package notify sends job completion and failure messages to a webhook
package notify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/soloq/app/store"
)

const defaultErrorTemplate = `soloq job {{.JobID}} ({{.EndpointName}}) {{.Status}} on {{.Host}} at {{.EndedAt}}` +
	`{{if .FailureReason}}: {{.FailureReason}}{{end}}`

const defaultCompletionTemplate = `soloq job {{.JobID}} ({{.EndpointName}}) completed on {{.Host}} at {{.EndedAt}}`

// Sender delivers text to destination
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Params of the notification service
type Params struct {
	WebhookURL         string
	Headers            []string // "Key:Value" pairs
	Timeout            time.Duration
	OnError            bool // send on failed and canceled jobs
	OnCompletion       bool // send on completed jobs
	ErrorTemplate      string
	CompletionTemplate string
	Host               string
}

// Service sends notifications about finished jobs, implements engine's event handler.
// Messages sent in background, Close waits for all of them.
type Service struct {
	Params
	sender   Sender
	errTmpl  *template.Template
	doneTmpl *template.Template
	wg       *syncs.SizedGroup
}

// NewService makes notification service with go-pkgz/notify webhook. Returns nil if no webhook url set.
func NewService(p Params) (*Service, error) {
	if p.WebhookURL == "" {
		return nil, nil
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	wh := notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout, Headers: p.Headers})
	return newService(p, wh)
}

func newService(p Params, sender Sender) (*Service, error) {
	if p.Host == "" {
		p.Host, _ = os.Hostname()
	}
	if p.ErrorTemplate == "" {
		p.ErrorTemplate = defaultErrorTemplate
	}
	if p.CompletionTemplate == "" {
		p.CompletionTemplate = defaultCompletionTemplate
	}
	errTmpl, err := template.New("error").Parse(p.ErrorTemplate)
	if err != nil {
		return nil, fmt.Errorf("can't parse error template: %w", err)
	}
	doneTmpl, err := template.New("completion").Parse(p.CompletionTemplate)
	if err != nil {
		return nil, fmt.Errorf("can't parse completion template: %w", err)
	}
	return &Service{Params: p, sender: sender, errTmpl: errTmpl, doneTmpl: doneTmpl, wg: syncs.NewSizedGroup(4)}, nil
}

// OnJobStart does nothing, only finished jobs reported
func (s *Service) OnJobStart(store.JobRecord) {}

// OnJobComplete sends message for the finished job if enabled for its status
func (s *Service) OnJobComplete(rec store.JobRecord) {
	msg, ok, err := s.MakeMessage(rec)
	if err != nil {
		log.Printf("[WARN] can't make notification for %s, %v", rec.JobID, err)
		return
	}
	if !ok {
		return
	}
	s.wg.Go(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		defer cancel()
		if err := s.sender.Send(ctx, s.WebhookURL, msg); err != nil {
			log.Printf("[WARN] can't send notification for %s, %v", rec.JobID, err)
			return
		}
		log.Printf("[DEBUG] notification for %s sent", rec.JobID)
	})
}

// MakeMessage renders message for the record, false if notification not needed
func (s *Service) MakeMessage(rec store.JobRecord) (string, bool, error) {
	var tmpl *template.Template
	switch rec.Status {
	case store.StatusFailed, store.StatusCanceled:
		if !s.OnError {
			return "", false, nil
		}
		tmpl = s.errTmpl
	case store.StatusCompleted:
		if !s.OnCompletion {
			return "", false, nil
		}
		tmpl = s.doneTmpl
	default:
		return "", false, nil
	}

	data := struct {
		store.JobRecord
		Host string
	}{JobRecord: rec, Host: s.Host}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", false, fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), true, nil
}

// Close waits for pending notifications
func (s *Service) Close() {
	s.wg.Wait()
}
