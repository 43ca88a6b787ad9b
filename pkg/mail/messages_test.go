package mail

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/config"
	"github.com/educredentials/badgekit/pkg/issuer"
	"github.com/educredentials/badgekit/pkg/observability"
)

type recordingMailer struct {
	to      string
	subject string
	body    string
	err     error
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	if m.err != nil {
		return m.err
	}
	m.to = to
	m.subject = subject
	m.body = htmlBody
	return nil
}

func testRegistry(t *testing.T) *config.AppRegistry {
	t.Helper()

	path := filepath.Join(t.TempDir(), "apps.yaml")
	content := `apps:
  - id: edubadges
    name: Edubadges
    ui_base_url: https://badges.example.edu
    login_complete_url: https://badges.example.edu/login
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	registry, err := config.LoadAppRegistry(path, "edubadges")
	require.NoError(t, err)
	return registry
}

func newTestMessages(t *testing.T, mailer Mailer) *Messages {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, bytes.NewBuffer(nil))
	messages, err := NewMessages(mailer, testRegistry(t), observability.NewMetrics(nil), logger)
	require.NoError(t, err)
	return messages
}

func TestEnrollmentRequested(t *testing.T) {
	mailer := &recordingMailer{}
	messages := newTestMessages(t, mailer)

	user := &auth.User{Email: "student@example.edu", FirstName: "Ada", LastName: "Lovelace"}
	badgeClass := &issuer.BadgeClass{Name: "Statistics 101"}

	err := messages.EnrollmentRequested(context.Background(), user, badgeClass)

	require.NoError(t, err)
	assert.Equal(t, "student@example.edu", mailer.to)
	assert.Equal(t, "You have successfully requested an edubadge", mailer.subject)
	assert.Contains(t, mailer.body, "Ada Lovelace")
	assert.Contains(t, mailer.body, "Statistics 101")
	assert.Contains(t, mailer.body, "https://badges.example.edu/backpack")
}

func TestEnrollmentDenied(t *testing.T) {
	mailer := &recordingMailer{}
	messages := newTestMessages(t, mailer)

	user := &auth.User{Email: "student@example.edu", Username: "ada"}
	badgeClass := &issuer.BadgeClass{Name: "Statistics 101"}

	err := messages.EnrollmentDenied(context.Background(), user, badgeClass)

	require.NoError(t, err)
	assert.Equal(t, "Your request for the badgeclass Statistics 101 has been denied by the issuer.", mailer.subject)
	// Falls back to the username when no name was asserted.
	assert.Contains(t, mailer.body, "ada")
}

func TestSendFailurePropagates(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("connection refused")}
	messages := newTestMessages(t, mailer)

	user := &auth.User{Email: "student@example.edu"}
	badgeClass := &issuer.BadgeClass{Name: "Statistics 101"}

	err := messages.EnrollmentRequested(context.Background(), user, badgeClass)

	assert.Error(t, err)
}

func TestDisabledMailerDropsMail(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, bytes.NewBuffer(nil))
	mailer := NewDisabledMailer(logger)

	err := mailer.Send(context.Background(), "student@example.edu", "subject", "<p>body</p>")

	assert.NoError(t, err)
}
