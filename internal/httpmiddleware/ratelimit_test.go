package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestClientLimiterBurst(t *testing.T) {
	l := NewClientLimiter(1, 3)
	fixed := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	if l.Allow("a") {
		t.Fatal("request past burst allowed")
	}
	if !l.Allow("b") {
		t.Fatal("other client limited")
	}

	fixed = fixed.Add(time.Second)
	if !l.Allow("a") {
		t.Fatal("token not refilled after one second")
	}
}

func TestClientLimiterSweep(t *testing.T) {
	l := NewClientLimiter(1, 1)
	now := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(time.Minute)
	l.Allow("b")
	if n := l.Sweep(30 * time.Second); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := l.clients["b"]; !ok {
		t.Fatal("active client swept")
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewClientLimiter(0.001, 1).GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}
