package enrollment

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/educredentials/badgekit/pkg/auth"
	"github.com/educredentials/badgekit/pkg/contextkeys"
	"github.com/educredentials/badgekit/pkg/issuer"
	"github.com/educredentials/badgekit/pkg/observability"
)

type fakeNotifier struct {
	requested chan string
	denied    chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		requested: make(chan string, 1),
		denied:    make(chan string, 1),
	}
}

func (n *fakeNotifier) EnrollmentRequested(ctx context.Context, user *auth.User, badgeClass *issuer.BadgeClass) error {
	n.requested <- user.Email
	return nil
}

func (n *fakeNotifier) EnrollmentDenied(ctx context.Context, user *auth.User, badgeClass *issuer.BadgeClass) error {
	n.denied <- user.Email
	return nil
}

type testEnv struct {
	handlers *Handlers
	router   *mux.Router
	mock     sqlmock.Sqlmock
	redis    *miniredis.Miniredis
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	notifier := newFakeNotifier()
	logger := observability.NewLogger(observability.ErrorLevel, bytes.NewBuffer(nil))
	metrics := observability.NewMetrics(nil)

	handlers := NewHandlers(
		NewStore(db),
		issuer.NewStore(db),
		issuer.NewCache(client),
		auth.NewUserStore(db),
		notifier,
		metrics,
		logger,
	)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	return &testEnv{
		handlers: handlers,
		router:   router,
		mock:     mock,
		redis:    mr,
		notifier: notifier,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, user *auth.User) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != nil {
		ctx := contextkeys.WithAuth(req.Context(), &auth.AuthContext{User: user})
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code, body.Message
}

func student() *auth.User {
	return &auth.User{ID: 7, EntityID: "user-7", Email: "student@example.edu"}
}

func enrollmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "entity_id", "badge_class_id", "user_id", "denied",
		"badge_instance_id", "date_created", "date_consent_given", "date_awarded",
	})
}

const testEnrollmentID = "6f1c4f1e-9c2b-4c55-8a35-1d2a7a0e9b11"

func TestListEnrollments(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "entity_id", "badge_class_id", "user_id", "denied",
		"badge_instance_id", "date_created", "date_consent_given", "date_awarded",
		"name", "entity_id",
	}).AddRow(1, testEnrollmentID, 3, 7, false, nil, now, now, nil, "Statistics 101", "bc-3")
	env.mock.ExpectQuery(`FROM enrollments e JOIN badge_classes`).
		WithArgs(int64(7)).WillReturnRows(rows)

	rec := env.do(t, "GET", "/lti_edu/student/enrollments", nil, student())

	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, testEnrollmentID, list[0]["entity_id"])
	assert.Equal(t, "Statistics 101", list[0]["badge_class_name"])
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestListEnrollmentsEmpty(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery(`FROM enrollments e JOIN badge_classes`).
		WithArgs(int64(7)).WillReturnRows(sqlmock.NewRows([]string{
		"id", "entity_id", "badge_class_id", "user_id", "denied",
		"badge_instance_id", "date_created", "date_consent_given", "date_awarded",
		"name", "entity_id",
	}))

	rec := env.do(t, "GET", "/lti_edu/student/enrollments", nil, student())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListEnrollmentsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/lti_edu/student/enrollments", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithdrawInvalidID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "DELETE", "/lti_edu/student/enrollments",
		map[string]string{"enrollmentID": "not-a-uuid"}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeInvalidEnrollmentID, code)
	assert.Equal(t, "Invalid enrollment id", message)
}

func TestWithdrawNotFound(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).WillReturnError(sql.ErrNoRows)

	rec := env.do(t, "DELETE", "/lti_edu/student/enrollments",
		map[string]string{"enrollmentID": testEnrollmentID}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeAPIError(t, rec)
	assert.Equal(t, CodeEnrollmentNotFound, code)
}

func TestWithdrawNotOwner(t *testing.T) {
	env := newTestEnv(t)

	// Owned by user 99 and already awarded: the ownership error wins
	// regardless of enrollment state.
	now := time.Now()
	instanceID := int64(12)
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 99, false, instanceID, now, now, now))

	rec := env.do(t, "DELETE", "/lti_edu/student/enrollments",
		map[string]string{"enrollmentID": testEnrollmentID}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeNotOwner, code)
	assert.Equal(t, "Users can only withdraw their own enrollments", message)
}

func TestWithdrawAwarded(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	instanceID := int64(12)
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 7, false, instanceID, now, now, now))

	rec := env.do(t, "DELETE", "/lti_edu/student/enrollments",
		map[string]string{"enrollmentID": testEnrollmentID}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeWithdrawAwarded, code)
	assert.Equal(t, "Awarded enrollments cannot be withdrawn", message)
}

func TestWithdrawSuccess(t *testing.T) {
	env := newTestEnv(t)

	env.redis.Set("badgeclass:3:pending_enrollments", "[]")
	env.redis.Set("badgeclass:3:pending_enrollments_including_denied", "[]")

	now := time.Now()
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 7, false, nil, now, now, nil))
	env.mock.ExpectExec(`DELETE FROM enrollments`).
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := env.do(t, "DELETE", "/lti_edu/student/enrollments",
		map[string]string{"enrollmentID": testEnrollmentID}, student())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"Enrollment withdrawn"`, rec.Body.String())
	assert.False(t, env.redis.Exists("badgeclass:3:pending_enrollments"))
	assert.False(t, env.redis.Exists("badgeclass:3:pending_enrollments_including_denied"))
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateMissingBadgeClass(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/lti_edu/enroll", map[string]string{}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeMissingBadgeClass, code)
	assert.Equal(t, "Missing badgeclass id", message)
}

func badgeClassRow(id int64, entityID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "entity_id", "name", "description", "institution_id", "created_at", "updated_at",
	}).AddRow(id, entityID, "Statistics 101", "Intro course badge", 2, now, now)
}

func TestCreateTermsNotAccepted(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`badge_class_terms_agreements`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	rec := env.do(t, "POST", "/lti_edu/enroll",
		map[string]string{"badgeclass_slug": "bc-3"}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeTermsNotAccepted, code)
	assert.Equal(t, "Cannot enroll, must accept terms first", message)
	// No insert was attempted.
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateAlreadyEnrolled(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`badge_class_terms_agreements`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	env.mock.ExpectQuery(`SELECT 1 FROM enrollments`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := env.do(t, "POST", "/lti_edu/enroll",
		map[string]string{"badgeclass_slug": "bc-3"}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeCannotEnroll, code)
	assert.Equal(t, "Cannot enroll", message)
}

func TestCreateAlreadyHoldsBadge(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`badge_class_terms_agreements`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	env.mock.ExpectQuery(`SELECT 1 FROM enrollments`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectQuery(`SELECT 1 FROM badge_instances`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := env.do(t, "POST", "/lti_edu/enroll",
		map[string]string{"badgeclass_slug": "bc-3"}, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeAPIError(t, rec)
	assert.Equal(t, CodeCannotEnroll, code)
}

func TestCreateSuccess(t *testing.T) {
	env := newTestEnv(t)

	env.redis.Set("badgeclass:3:pending_enrollments", "[]")

	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`badge_class_terms_agreements`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	env.mock.ExpectQuery(`SELECT 1 FROM enrollments`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	env.mock.ExpectQuery(`SELECT 1 FROM badge_instances`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	now := time.Now()
	env.mock.ExpectQuery(`INSERT INTO enrollments`).
		WithArgs(sqlmock.AnyArg(), int64(3), int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "date_created", "date_consent_given"}).
			AddRow(42, now, now))

	rec := env.do(t, "POST", "/lti_edu/enroll",
		map[string]string{"badgeclass_slug": "bc-3"}, student())

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "enrolled", resp.Status)
	assert.NotEmpty(t, resp.EntityID)

	assert.False(t, env.redis.Exists("badgeclass:3:pending_enrollments"))

	select {
	case email := <-env.notifier.requested:
		assert.Equal(t, "student@example.edu", email)
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation email was not sent")
	}
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func denyPath(entityID string) string {
	return fmt.Sprintf("/lti_edu/enrollment/%s/deny", entityID)
}

func TestDenyNoPermission(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 99, false, nil, now, now, nil))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	rec := env.do(t, "PUT", denyPath(testEnrollmentID), nil, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeNoPermission, code)
	assert.Equal(t, "You do not have permission", message)
}

func TestDenyAlreadyDenied(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 99, true, nil, now, now, nil))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := env.do(t, "PUT", denyPath(testEnrollmentID), nil, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeAlreadyDenied, code)
	assert.Equal(t, "Enrollment already denied", message)
}

func TestDenyAwarded(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	instanceID := int64(12)
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 99, false, instanceID, now, now, now))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := env.do(t, "PUT", denyPath(testEnrollmentID), nil, student())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, message := decodeAPIError(t, rec)
	assert.Equal(t, CodeDenyAwarded, code)
	assert.Equal(t, "Awarded enrollments cannot be denied", message)
}

func TestDenySuccess(t *testing.T) {
	env := newTestEnv(t)

	env.redis.Set("badgeclass:3:pending_enrollments", "[]")
	env.redis.Set("badgeclass:3:pending_enrollments_including_denied", "[]")

	now := time.Now()
	env.mock.ExpectQuery(`FROM enrollments WHERE entity_id`).
		WithArgs(testEnrollmentID).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 99, false, nil, now, now, nil))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	env.mock.ExpectExec(`UPDATE enrollments SET denied`).
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	userRows := sqlmock.NewRows([]string{
		"id", "entity_id", "username", "email", "first_name", "last_name",
		"institution_id", "app_id", "is_teacher", "invited", "validated_name",
		"date_joined", "updated_at", "last_login_at",
	}).AddRow(99, "user-99", "jdoe", "jdoe@example.edu", "J", "Doe",
		nil, nil, false, false, false, now, now, nil)
	env.mock.ExpectQuery(`FROM users WHERE id`).
		WithArgs(int64(99)).WillReturnRows(userRows)
	env.mock.ExpectQuery(`FROM badge_classes WHERE id`).
		WithArgs(int64(3)).WillReturnRows(badgeClassRow(3, "bc-3"))

	rec := env.do(t, "PUT", denyPath(testEnrollmentID), nil, student())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"Succesfully denied enrollment"`, rec.Body.String())
	assert.False(t, env.redis.Exists("badgeclass:3:pending_enrollments"))
	assert.False(t, env.redis.Exists("badgeclass:3:pending_enrollments_including_denied"))

	select {
	case email := <-env.notifier.denied:
		assert.Equal(t, "jdoe@example.edu", email)
	case <-time.After(2 * time.Second):
		t.Fatal("denial email was not sent")
	}
}

func TestPendingEnrollmentsCacheMissThenHit(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	// Miss: badge class lookup, permission check, then the database list.
	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	env.mock.ExpectQuery(`FROM enrollments WHERE badge_class_id`).
		WithArgs(int64(3)).
		WillReturnRows(enrollmentRows().
			AddRow(1, testEnrollmentID, 3, 99, false, nil, now, now, nil))

	rec := env.do(t, "GET", "/lti_edu/badgeclass/bc-3/enrollments", nil, student())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.redis.Exists("badgeclass:3:pending_enrollments"))

	// Hit: only the lookup and permission check reach the database.
	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec = env.do(t, "GET", "/lti_edu/badgeclass/bc-3/enrollments", nil, student())
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*Enrollment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, testEnrollmentID, list[0].EntityID)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestPendingEnrollmentsForbidden(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery(`FROM badge_classes WHERE entity_id`).
		WithArgs("bc-3").WillReturnRows(badgeClassRow(3, "bc-3"))
	env.mock.ExpectQuery(`JOIN institution_staff`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	rec := env.do(t, "GET", "/lti_edu/badgeclass/bc-3/enrollments", nil, student())

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
