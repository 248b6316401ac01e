package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestCheckPIN(t *testing.T) {
	hash, err := HashPIN("4321")
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPIN(hash, "4321"); err != nil {
		t.Fatalf("valid pin rejected: %v", err)
	}
	for _, pin := range []string{"", "1234"} {
		if err := CheckPIN(hash, pin); !errors.Is(err, ErrInvalidPIN) {
			t.Fatalf("pin %q: err = %v", pin, err)
		}
	}
	if err := CheckPIN("", "4321"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatal("empty hash must reject")
	}
}

func TestIssueAndParse(t *testing.T) {
	tok, err := IssueAccess("desk-1", 4, "eventlog", "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := Parse(tok.Token, "k", "eventlog")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "desk-1" || claims.BlockID != 4 || claims.Role != RoleOperator {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := Parse(tok.Token, "other", "eventlog"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong key: err = %v", err)
	}
	if _, err := Parse(tok.Token, "k", "someone-else"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: err = %v", err)
	}

	expired, _ := IssueAccess("desk-1", 4, "eventlog", "k", -time.Minute)
	if _, err := Parse(expired.Token, "k", "eventlog"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: err = %v", err)
	}
}

func TestOperatorAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", OperatorAuth("k", "eventlog"), func(c *gin.Context) {
		claims, _ := Operator(c)
		c.String(http.StatusOK, claims.Subject)
	})

	tok, _ := IssueAccess("desk-1", 0, "eventlog", "k", time.Minute)
	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Basic abc", http.StatusUnauthorized},
		{"Bearer garbage", http.StatusUnauthorized},
		{"bearer " + tok.Token, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%q: code = %d, want %d", tc.header, w.Code, tc.want)
		}
	}
}

func TestOperatorAuthDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", OperatorAuth("", ""), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d", w.Code)
	}
}
