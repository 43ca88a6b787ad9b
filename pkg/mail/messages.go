package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/config"
	"github.com/educredentials/badgekit/pkg/issuer"
	"github.com/educredentials/badgekit/pkg/observability"
)

//go:embed templates/*.html
var templateFS embed.FS

// Messages renders and delivers enrollment lifecycle emails. It implements
// enrollment.Notifier.
type Messages struct {
	mailer    Mailer
	apps      *config.AppRegistry
	templates *template.Template
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewMessages creates the notification message sender
func NewMessages(mailer Mailer, apps *config.AppRegistry, metrics *observability.Metrics, logger *observability.Logger) (*Messages, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail templates: %w", err)
	}
	return &Messages{
		mailer:    mailer,
		apps:      apps,
		templates: templates,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

type messageData struct {
	Name           string
	BadgeClassName string
	UIBaseURL      string
}

func (m *Messages) send(ctx context.Context, templateName string, user *auth.User, badgeClass *issuer.BadgeClass, subject string) error {
	appID := ""
	if user.AppID != nil {
		appID = *user.AppID
	}
	uiBaseURL := ""
	if app := m.apps.Get(appID); app != nil {
		uiBaseURL = app.UIBaseURL
	}

	name := user.FullName()
	if name == "" {
		name = user.Username
	}
	data := messageData{
		Name:           name,
		BadgeClassName: badgeClass.Name,
		UIBaseURL:      uiBaseURL,
	}

	var body bytes.Buffer
	if err := m.templates.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		m.metrics.EmailsSentTotal.WithLabelValues(templateName, "error").Inc()
		return fmt.Errorf("failed to render %s: %w", templateName, err)
	}

	if err := m.mailer.Send(ctx, user.Email, subject, body.String()); err != nil {
		m.metrics.EmailsSentTotal.WithLabelValues(templateName, "error").Inc()
		return err
	}
	m.metrics.EmailsSentTotal.WithLabelValues(templateName, "sent").Inc()
	return nil
}

// EnrollmentRequested confirms a new enrollment request to the student
func (m *Messages) EnrollmentRequested(ctx context.Context, user *auth.User, badgeClass *issuer.BadgeClass) error {
	return m.send(ctx, "enrollment_requested", user, badgeClass,
		"You have successfully requested an edubadge")
}

// EnrollmentDenied informs the student that the issuer denied their request
func (m *Messages) EnrollmentDenied(ctx context.Context, user *auth.User, badgeClass *issuer.BadgeClass) error {
	subject := fmt.Sprintf("Your request for the badgeclass %s has been denied by the issuer.", badgeClass.Name)
	return m.send(ctx, "enrollment_denied", user, badgeClass, subject)
}
