package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/libraryhub/services/library/internal/auth"
	"github.com/libraryhub/services/library/internal/db"
	"github.com/libraryhub/services/library/internal/loans"
	"github.com/libraryhub/services/library/internal/metrics"
	"github.com/libraryhub/services/library/internal/repo"
	"github.com/libraryhub/services/library/pkg/logger"
)

// mockPublisher records published events instead of talking to a broker.
// Handlers publish from goroutines, so access is locked.
type mockPublisher struct {
	mu     sync.Mutex
	events []string
}

func (m *mockPublisher) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockPublisher) PublishLoanIssued(ctx context.Context, issueID, studentID, bookID uint, dueDate time.Time) error {
	m.record(fmt.Sprintf("issued:%d", issueID))
	return nil
}

func (m *mockPublisher) PublishLoanReturned(ctx context.Context, issueID uint, penalty int64) error {
	m.record(fmt.Sprintf("returned:%d", issueID))
	return nil
}

func (m *mockPublisher) PublishNotificationBroadcast(ctx context.Context, message string, recipients int) error {
	m.record("broadcast")
	return nil
}

func (m *mockPublisher) IsHealthy() bool { return true }

func (m *mockPublisher) Close() error { return nil }

type testEnv struct {
	server   *Server
	database *db.DB
	auth     *auth.Service
}

func setupTestServer(t *testing.T) *testEnv {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// In-memory sqlite is per-connection; keep the pool on a single one
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = gormDB.AutoMigrate(
		&db.Student{},
		&db.Book{},
		&db.Librarian{},
		&db.LibrarySettings{},
		&db.BookIssue{},
		&db.Notification{},
	)
	require.NoError(t, err)

	database := &db.DB{DB: gormDB}
	log := logger.New("test", "info")

	catalogRepo := repo.NewCatalogRepository(database, log)
	settingsRepo := repo.NewSettingsRepository(database, log)
	notificationRepo := repo.NewNotificationRepository(database, log)
	ledger := loans.NewLedger(database, log)
	m := metrics.New(prometheus.NewRegistry())
	loanService := loans.NewService(database, ledger, settingsRepo, m, log)
	authService := auth.NewService("test-secret", time.Hour)

	server := NewServer(Options{
		Catalog:        catalogRepo,
		Settings:       settingsRepo,
		Notifications:  notificationRepo,
		Loans:          loanService,
		Publisher:      &mockPublisher{},
		Auth:           authService,
		Log:            log,
		LoanPeriodDays: 14,
	})

	return &testEnv{server: server, database: database, auth: authService}
}

func (e *testEnv) seedLibrarian(t *testing.T) string {
	t.Helper()
	hash, err := auth.HashPassword("librarian-pass")
	require.NoError(t, err)
	librarian := &db.Librarian{Email: "admin@library.test", PasswordHash: hash, Name: "Admin"}
	require.NoError(t, e.database.Create(librarian).Error)

	token, err := e.auth.SignToken(librarian.ID, librarian.Email, auth.RoleLibrarian)
	require.NoError(t, err)
	return token
}

func (e *testEnv) seedStudent(t *testing.T) *db.Student {
	t.Helper()
	student := &db.Student{
		Email:        "student@library.test",
		Name:         "Student",
		PasswordHash: "x",
		IsActive:     true,
		IsVerified:   true,
	}
	require.NoError(t, e.database.Create(student).Error)
	return student
}

func (e *testEnv) seedBook(t *testing.T, stock int) *db.Book {
	t.Helper()
	book := &db.Book{Title: "Title", Author: "Author", Stock: stock, IsActive: true}
	require.NoError(t, e.database.Create(book).Error)
	return book
}

func (e *testEnv) seedSettings(t *testing.T) {
	t.Helper()
	require.NoError(t, e.database.Create(&db.LibrarySettings{ID: 1, MaxBookLimit: 3, PenaltyPerDay: 500}).Error)
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := e.server.App().Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	return out
}

func TestLibrarianLogin(t *testing.T) {
	env := setupTestServer(t)
	env.seedLibrarian(t)

	resp := env.request(t, http.MethodPost, "/api/librarian/login", "", fiber.Map{
		"email":    "admin@library.test",
		"password": "librarian-pass",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	assert.NotEmpty(t, data["token"])

	resp = env.request(t, http.MethodPost, "/api/librarian/login", "", fiber.Map{
		"email":    "admin@library.test",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthGates(t *testing.T) {
	env := setupTestServer(t)
	student := env.seedStudent(t)

	// No token
	resp := env.request(t, http.MethodGet, "/api/librarian/students", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Student token on a librarian route
	studentToken, err := env.auth.SignToken(student.ID, student.Email, auth.RoleStudent)
	require.NoError(t, err)
	resp = env.request(t, http.MethodGet, "/api/librarian/students", studentToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIssueAndReturnFlow(t *testing.T) {
	env := setupTestServer(t)
	token := env.seedLibrarian(t)
	env.seedSettings(t)
	student := env.seedStudent(t)
	book := env.seedBook(t, 1)

	resp := env.request(t, http.MethodPost, "/api/librarian/issues", token, fiber.Map{
		"student_id": student.ID,
		"book_id":    book.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	issueID := uint(data["id"].(float64))
	require.NotZero(t, issueID)

	var gotBook db.Book
	require.NoError(t, env.database.First(&gotBook, book.ID).Error)
	assert.Equal(t, 0, gotBook.Stock)

	// A second copy is not available
	other := &db.Student{Email: "other@library.test", Name: "Other", PasswordHash: "x", IsActive: true, IsVerified: true}
	require.NoError(t, env.database.Create(other).Error)
	resp = env.request(t, http.MethodPost, "/api/librarian/issues", token, fiber.Map{
		"student_id": other.ID,
		"book_id":    book.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Return restores stock
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/librarian/issues/%d/return", issueID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = decodeBody(t, resp)
	data = body["data"].(map[string]interface{})
	assert.EqualValues(t, 0, data["penalty_charged"])

	require.NoError(t, env.database.First(&gotBook, book.ID).Error)
	assert.Equal(t, 1, gotBook.Stock)

	// A second return is a conflict
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/librarian/issues/%d/return", issueID), token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIssueErrorMapping(t *testing.T) {
	env := setupTestServer(t)
	token := env.seedLibrarian(t)
	env.seedSettings(t)
	student := env.seedStudent(t)
	book := env.seedBook(t, 1)

	// Unknown student
	resp := env.request(t, http.MethodPost, "/api/librarian/issues", token, fiber.Map{
		"student_id": 9999,
		"book_id":    book.ID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown loan on return
	resp = env.request(t, http.MethodPost, "/api/librarian/issues/9999/return", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Ineligible student
	require.NoError(t, env.database.Model(&db.Student{}).
		Where("id = ?", student.ID).
		Update("is_verified", false).Error)
	resp = env.request(t, http.MethodPost, "/api/librarian/issues", token, fiber.Map{
		"student_id": student.ID,
		"book_id":    book.ID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSettingsEndpoints(t *testing.T) {
	env := setupTestServer(t)
	token := env.seedLibrarian(t)

	// Fails closed until configured
	resp := env.request(t, http.MethodGet, "/api/librarian/settings", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = env.request(t, http.MethodPut, "/api/librarian/settings", token, fiber.Map{
		"max_book_limit":  3,
		"penalty_per_day": 500,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/librarian/settings", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 3, data["max_book_limit"])
}

func TestStudentRegisterAndLogin(t *testing.T) {
	env := setupTestServer(t)

	resp := env.request(t, http.MethodPost, "/api/student/register", "", fiber.Map{
		"email":    "new@library.test",
		"name":     "New Student",
		"password": "long-enough-password",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/student/login", "", fiber.Map{
		"email":    "new@library.test",
		"password": "long-enough-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	token := data["token"].(string)
	require.NotEmpty(t, token)

	// Fresh accounts are active but unverified
	resp = env.request(t, http.MethodGet, "/api/student/verified/new@library.test", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, false, data["is_verified"])
	assert.Equal(t, true, data["is_active"])

	// The student token reaches student routes
	resp = env.request(t, http.MethodGet, "/api/student/issues", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMyOpenLoans(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.seedLibrarian(t)
	env.seedSettings(t)
	student := env.seedStudent(t)
	book := env.seedBook(t, 2)

	resp := env.request(t, http.MethodPost, "/api/librarian/issues", adminToken, fiber.Map{
		"student_id": student.ID,
		"book_id":    book.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	studentToken, err := env.auth.SignToken(student.ID, student.Email, auth.RoleStudent)
	require.NoError(t, err)

	resp = env.request(t, http.MethodGet, "/api/student/issues", studentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].([]interface{})
	assert.Len(t, data, 1)
}

func TestGetLoanByID(t *testing.T) {
	env := setupTestServer(t)
	token := env.seedLibrarian(t)
	env.seedSettings(t)
	student := env.seedStudent(t)
	book := env.seedBook(t, 1)

	resp := env.request(t, http.MethodPost, "/api/librarian/issues", token, fiber.Map{
		"student_id": student.ID,
		"book_id":    book.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	issueID := uint(body["data"].(map[string]interface{})["id"].(float64))

	resp = env.request(t, http.MethodGet, fmt.Sprintf("/api/librarian/issues/%d", issueID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, student.ID, data["student_id"])
	assert.EqualValues(t, book.ID, data["book_id"])
	require.NotNil(t, data["book"])
	assert.Equal(t, book.Title, data["book"].(map[string]interface{})["title"])

	resp = env.request(t, http.MethodGet, "/api/librarian/issues/9999", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStudentDetailIncludesOpenLoans(t *testing.T) {
	env := setupTestServer(t)
	token := env.seedLibrarian(t)
	env.seedSettings(t)
	student := env.seedStudent(t)
	book := env.seedBook(t, 1)

	resp := env.request(t, http.MethodPost, "/api/librarian/issues", token, fiber.Map{
		"student_id": student.ID,
		"book_id":    book.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, fmt.Sprintf("/api/librarian/students/%d", student.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["open_loans"])
	assert.Equal(t, student.Email, data["student"].(map[string]interface{})["email"])
}

func TestNotificationReply(t *testing.T) {
	env := setupTestServer(t)
	adminToken := env.seedLibrarian(t)
	student := env.seedStudent(t)

	resp := env.request(t, http.MethodPost, "/api/librarian/notifications", adminToken, fiber.Map{
		"message": "return your overdue books",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	studentToken, err := env.auth.SignToken(student.ID, student.Email, auth.RoleStudent)
	require.NoError(t, err)

	resp = env.request(t, http.MethodGet, "/api/student/notifications", studentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	list := body["data"].([]interface{})
	require.Len(t, list, 1)
	notificationID := uint(list[0].(map[string]interface{})["id"].(float64))

	resp = env.request(t, http.MethodPost,
		fmt.Sprintf("/api/student/notifications/%d/reply", notificationID),
		studentToken, fiber.Map{"reply": "on my way"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = decodeBody(t, resp)
	assert.Equal(t, "on my way", body["data"].(map[string]interface{})["reply"])

	resp = env.request(t, http.MethodPost, "/api/student/notifications/9999/reply",
		studentToken, fiber.Map{"reply": "nothing here"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChangePassword(t *testing.T) {
	env := setupTestServer(t)

	resp := env.request(t, http.MethodPost, "/api/student/register", "", fiber.Map{
		"email":    "new@library.test",
		"name":     "New Student",
		"password": "first-password-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/student/login", "", fiber.Map{
		"email":    "new@library.test",
		"password": "first-password-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	token := body["data"].(map[string]interface{})["token"].(string)

	// Wrong current password is rejected
	resp = env.request(t, http.MethodPost, "/api/student/password", token, fiber.Map{
		"old_password": "not-the-password",
		"new_password": "second-password-2",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/student/password", token, fiber.Map{
		"old_password": "first-password-1",
		"new_password": "second-password-2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Only the new password logs in
	resp = env.request(t, http.MethodPost, "/api/student/login", "", fiber.Map{
		"email":    "new@library.test",
		"password": "first-password-1",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/student/login", "", fiber.Map{
		"email":    "new@library.test",
		"password": "second-password-2",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateProfile(t *testing.T) {
	env := setupTestServer(t)
	student := env.seedStudent(t)

	token, err := env.auth.SignToken(student.ID, student.Email, auth.RoleStudent)
	require.NoError(t, err)

	resp := env.request(t, http.MethodPut, "/api/student/profile", token, fiber.Map{
		"name": "Renamed Student",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "Renamed Student", data["name"])
	assert.Equal(t, student.Email, data["email"])

	var got db.Student
	require.NoError(t, env.database.First(&got, student.ID).Error)
	assert.Equal(t, "Renamed Student", got.Name)
}

func TestBroadcastNotifications(t *testing.T) {
	env := setupTestServer(t)
	token := env.seedLibrarian(t)
	env.seedStudent(t)

	resp := env.request(t, http.MethodPost, "/api/librarian/notifications", token, fiber.Map{
		"message": "library closes early on friday",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/librarian/notifications", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	data := body["data"].([]interface{})
	assert.Len(t, data, 1)
}
