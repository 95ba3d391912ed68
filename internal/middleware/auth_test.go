package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/patchwork-sh/patchwork/internal/auth"
	"github.com/patchwork-sh/patchwork/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.User{}, &database.Session{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
}

func createSessionFor(t *testing.T, role string) (*database.User, *database.Session) {
	t.Helper()
	u := &database.User{Username: "u-" + role, PasswordHash: "x", Role: role, IsActive: true}
	if err := database.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	s, err := auth.NewSession(nil, u.ID, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return u, s
}

func TestRequireAuth_NoCookie(t *testing.T) {
	setupTestDB(t)

	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a session")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuth_InvalidSession(t *testing.T) {
	setupTestDB(t)

	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with a bogus session")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: "no-such-session"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuth_ValidSessionPopulatesContext(t *testing.T) {
	setupTestDB(t)
	user, session := createSessionFor(t, "operator")

	var gotUser *database.User
	var gotSession string
	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUser(r)
		gotSession = GetSessionID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: session.ID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUser == nil || gotUser.ID != user.ID {
		t.Errorf("context user = %+v, want id %d", gotUser, user.ID)
	}
	if gotSession != session.ID {
		t.Errorf("context session = %q, want %q", gotSession, session.ID)
	}
}

func TestRequireAdmin(t *testing.T) {
	setupTestDB(t)
	_, operatorSession := createSessionFor(t, "operator")
	_, adminSession := createSessionFor(t, "admin")

	handler := RequireAuth(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: operatorSession.ID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("operator: status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: adminSession.ID})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", rec.Code)
	}
}
