package sso

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educredentials/badgekit/pkg/auth"
)

func newProvisioner(t *testing.T) (*Provisioner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProvisioner(db), mock
}

func provisionmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "institution_id", "for_teacher", "type", "data",
		"created_by", "accepted", "rejected", "user_id", "created_at", "accepted_at",
	})
}

func TestMatchFiltersRejected(t *testing.T) {
	p, mock := newProvisioner(t)

	mock.ExpectQuery(`FROM user_provisionments`).
		WithArgs("jdoe@example.edu", int64(3)).
		WillReturnRows(provisionmentRows().
			AddRow(1, "jdoe@example.edu", 3, true, ProvisionmentTypeStaff,
				`{"may_award":true}`, nil, false, false, nil, time.Now(), nil))

	matched, err := p.Match(context.Background(), "jdoe@example.edu", 3)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, ProvisionmentTypeStaff, matched[0].Type)
}

func TestMatchWithoutInvitations(t *testing.T) {
	p, mock := newProvisioner(t)

	mock.ExpectQuery(`FROM user_provisionments`).
		WithArgs("nobody@example.edu", int64(3)).
		WillReturnRows(provisionmentRows())

	matched, err := p.Match(context.Background(), "nobody@example.edu", 3)
	assert.ErrorIs(t, err, ErrNoProvisionment)
	assert.Empty(t, matched)
}

func TestApplyStaffInvitation(t *testing.T) {
	p, mock := newProvisioner(t)
	user := &auth.User{ID: 10}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE user_provisionments`).
		WithArgs(int64(10), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO institution_staff`).
		WithArgs(int64(3), int64(10), false, true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := p.Apply(context.Background(), &Provisionment{
		ID:            1,
		InstitutionID: 3,
		Type:          ProvisionmentTypeStaff,
		Data:          `{"may_administrate_users":false,"may_award":true}`,
	}, user)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFirstAdminGrantsAllPermissions(t *testing.T) {
	p, mock := newProvisioner(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE user_provisionments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO institution_staff`).
		WithArgs(int64(3), int64(10), true, true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := p.Apply(context.Background(), &Provisionment{
		ID:            1,
		InstitutionID: 3,
		Type:          ProvisionmentTypeFirstAdmin,
		Data:          `{"may_administrate_users":false,"may_award":false}`,
	}, &auth.User{ID: 10})
	require.NoError(t, err)
}

func TestApplyMalformedDataRollsBack(t *testing.T) {
	p, mock := newProvisioner(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE user_provisionments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := p.Apply(context.Background(), &Provisionment{
		ID:            1,
		InstitutionID: 3,
		Type:          ProvisionmentTypeStaff,
		Data:          `{broken`,
	}, &auth.User{ID: 10})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyNonStaffTypeSkipsPermissions(t *testing.T) {
	p, mock := newProvisioner(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE user_provisionments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.Apply(context.Background(), &Provisionment{
		ID:            1,
		InstitutionID: 3,
		Type:          "walleteer_invitation",
	}, &auth.User{ID: 10})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
