// Package notify delivers connection-trouble messages to users. Send
// failures are recorded but never propagate: a broken mail path must
// not take down refresh or recovery work.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"drivein/internal/classify"
	"drivein/internal/logging"
	"drivein/internal/metrics"
	"drivein/internal/models"
	"drivein/internal/store"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes notifications to the log. Used when no SMTP relay
// is configured.
type LogSender struct {
	Log *logging.Logger
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if s.Log != nil {
		s.Log.Infof("notify: to=%s subject=%q", msg.To, msg.Subject)
	}
	return nil
}

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	Addr string
	From string
}

func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.From, msg.To, msg.Subject, msg.Body)
	return smtp.SendMail(s.Addr, nil, s.From, []string{msg.To}, []byte(body))
}

// Dispatcher throttles and sends per-connection notifications.
type Dispatcher struct {
	store    *store.Store
	sender   Sender
	log      *logging.Logger
	metrics  *metrics.Metrics
	cooldown time.Duration
}

type DispatcherOptions struct {
	Store   *store.Store
	Sender  Sender
	Log     *logging.Logger
	Metrics *metrics.Metrics
	// Cooldown is the minimum gap between notifications for the same
	// (user, provider) pair. Defaults to 24h.
	Cooldown time.Duration
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	sender := opts.Sender
	if sender == nil {
		sender = &LogSender{Log: opts.Log}
	}
	return &Dispatcher{
		store:    opts.Store,
		sender:   sender,
		log:      opts.Log,
		metrics:  opts.Metrics,
		cooldown: cooldown,
	}
}

// NotifyConnectionIssue tells the user their connection needs
// attention. attempt is the consecutive refresh failure count at the
// time of sending. Returns whether a message went out; throttled and
// failed sends both return false without an error.
func (d *Dispatcher) NotifyConnectionIssue(ctx context.Context, user models.User, provider string, kind classify.Kind, attempt int, detail string) bool {
	return d.send(ctx, user, provider, "connection_issue",
		fmt.Sprintf("Action needed: reconnect your %s account", providerLabel(provider)),
		connectionIssueBody(user.Name, provider, kind, attempt, detail))
}

// NotifyUploadRecoveryFailed reports an upload that exhausted its
// recovery budget.
func (d *Dispatcher) NotifyUploadRecoveryFailed(ctx context.Context, user models.User, provider string, upload models.FileUpload) bool {
	body := fmt.Sprintf(
		"Hello %s,\n\nThe file %q could not be delivered to %s after repeated attempts.\nPlease check the connection and retry the upload from the dashboard.\n",
		displayName(user.Name), upload.Filename, providerLabel(provider))
	return d.send(ctx, user, provider, "upload_recovery_failed",
		fmt.Sprintf("Upload failed: %s", upload.Filename), body)
}

func (d *Dispatcher) send(ctx context.Context, user models.User, provider, kind, subject, body string) bool {
	if strings.TrimSpace(user.Email) == "" {
		return false
	}

	rec, ok, err := d.store.GetTokenRecord(ctx, user.ID, provider)
	if err != nil {
		d.warnf("notify: throttle lookup failed user=%s provider=%s: %v", user.ID, provider, err)
		return false
	}
	if ok && rec.LastNotificationSentAt != nil {
		if last, perr := time.Parse(time.RFC3339Nano, *rec.LastNotificationSentAt); perr == nil {
			if time.Since(last) < d.cooldown {
				d.metrics.IncNotification(kind, "throttled")
				return false
			}
		}
	}

	if err := d.sender.Send(ctx, Message{To: user.Email, Subject: subject, Body: body}); err != nil {
		d.metrics.IncNotification(kind, "failure")
		d.warnf("notify: send failed user=%s provider=%s: %v", user.ID, provider, err)
		if ok {
			if serr := d.store.IncrementNotificationFailure(ctx, user.ID, provider); serr != nil {
				d.warnf("notify: failure counter update failed user=%s provider=%s: %v", user.ID, provider, serr)
			}
		}
		return false
	}

	d.metrics.IncNotification(kind, "success")
	if ok {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if serr := d.store.SetLastNotificationSentAt(ctx, user.ID, provider, now); serr != nil {
			d.warnf("notify: throttle stamp failed user=%s provider=%s: %v", user.ID, provider, serr)
		}
	}
	return true
}

func (d *Dispatcher) warnf(format string, args ...any) {
	if d.log != nil {
		d.log.Warnf(format, args...)
	}
}

func connectionIssueBody(name, provider string, kind classify.Kind, attempt int, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", displayName(name))
	switch kind {
	case classify.KindInvalidCredentials, classify.KindTokenExpired:
		fmt.Fprintf(&b, "Your %s connection is no longer authorized and automatic renewal has stopped working.\n", providerLabel(provider))
	case classify.KindInsufficientPermissions:
		fmt.Fprintf(&b, "Your %s connection is missing permissions this application needs.\n", providerLabel(provider))
	case classify.KindStorageQuotaExceeded:
		fmt.Fprintf(&b, "Your %s storage is full, so file deliveries are failing.\n", providerLabel(provider))
	default:
		fmt.Fprintf(&b, "Your %s connection has been failing repeatedly.\n", providerLabel(provider))
	}
	if attempt > 0 {
		fmt.Fprintf(&b, "\nFailed renewal attempts so far: %d\n", attempt)
	}
	if detail != "" {
		fmt.Fprintf(&b, "\nDetails: %s\n", detail)
	}
	b.WriteString("\nPlease reconnect the account from your dashboard settings.\n")
	return b.String()
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "there"
	}
	return name
}

func providerLabel(provider string) string {
	switch provider {
	case "google_drive":
		return "Google Drive"
	case "dropbox":
		return "Dropbox"
	case "onedrive":
		return "OneDrive"
	default:
		return provider
	}
}
