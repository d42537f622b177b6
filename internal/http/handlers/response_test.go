package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-campaign-dispatch/internal/services"
)

func Test_fail_500_LogsAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal || resp.Message != "kaboom" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func Test_failService_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
		field  string
	}{
		{"validation", &services.ValidationError{Field: "channel", Reason: "unknown"}, http.StatusBadRequest, ErrCodeValidation, "channel"},
		{"wrapped validation", fmt.Errorf("create: %w", &services.ValidationError{Field: "quiz_id", Reason: "required"}), http.StatusBadRequest, ErrCodeValidation, "quiz_id"},
		{"campaign missing", services.ErrCampaignNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"task missing", services.ErrTaskNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"quiz missing", services.ErrQuizNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"no session", services.ErrSessionNotFound, http.StatusNotFound, ErrCodeSessionNotFound, ""},
		{"session expired", services.ErrSessionExpired, http.StatusGone, ErrCodeSessionExpired, ""},
		{"login required", services.ErrLoginRequired, http.StatusLocked, ErrCodeLoginRequired, ""},
		{"transition", fmt.Errorf("%w: cannot pause a draft campaign", services.ErrInvalidTransition), http.StatusConflict, ErrCodeInvalidTransition, ""},
		{"empty audience", services.ErrAudienceEmpty, http.StatusUnprocessableEntity, ErrCodeAudienceEmpty, ""},
		{"no credit", services.ErrInsufficientCredit, http.StatusPaymentRequired, ErrCodeInsufficientCredit, ""},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", func(c *gin.Context) { failService(c, tc.err) })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("json: %v", err)
			}
			if resp.Code != tc.code || resp.Field != tc.field {
				t.Fatalf("body = %+v, want code=%s field=%q", resp, tc.code, tc.field)
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(resp.Message, "disk") {
				t.Fatalf("internal error leaked: %q", resp.Message)
			}
		})
	}
}

func Test_notModified(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if notModified(c, `W/"v1"`) {
			return
		}
		ok(c, http.StatusOK, gin.H{"v": 1})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusOK || w.Header().Get("ETag") != `W/"v1"` {
		t.Fatalf("first: status=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("If-None-Match", `W/"v1"`)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("conditional: status=%d body=%q", w.Code, w.Body.String())
	}
}

func Test_Pagination(t *testing.T) {
	p := newPagination(2, 20, 41)
	if p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("pagination = %+v", p)
	}
	if p = newPagination(3, 20, 41); p.HasNext {
		t.Fatalf("last page reports next: %+v", p)
	}
	if p = newPagination(1, 20, 0); p.TotalPages != 0 || p.HasNext {
		t.Fatalf("empty pagination = %+v", p)
	}
}

func Test_clampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query          string
		page, pageSize int
	}{
		{"", 1, 20},
		{"?page=0&page_size=0", 1, 1},
		{"?page=4&page_size=500", 4, 100},
		{"?page=x&page_size=y", 1, 20},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/"+tc.query, nil)
		page, size := clampPagination(c, 20, 100)
		if page != tc.page || size != tc.pageSize {
			t.Fatalf("%q: got (%d,%d), want (%d,%d)", tc.query, page, size, tc.page, tc.pageSize)
		}
	}
}

func Test_unixOrZero(t *testing.T) {
	if unixOrZero(nil) != 0 {
		t.Fatal("nil should be zero")
	}
	ts := time.Unix(10, 5)
	if unixOrZero(&ts) != ts.UnixNano() {
		t.Fatal("unexpected nanos")
	}
}
