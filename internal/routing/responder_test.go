package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError_JSONOnlyClasses(t *testing.T) {
	t.Parallel()

	for _, rc := range []RouteClass{RouteClassAPI, RouteClassLogin, RouteClassPasswordReset, RouteClassPunch, RouteClassAdmin} {
		rc := rc
		t.Run(string(rc), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			rec := httptest.NewRecorder()

			WriteError(rec, req, rc, http.StatusForbidden, "PERMISSION_DENIED", "permission denied")
			if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
				t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
			}

			var env ErrorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatal(err)
			}
			if env.Code != "PERMISSION_DENIED" || env.Meta.Path != "/x" || env.Meta.Method != http.MethodGet {
				t.Fatalf("envelope=%+v", env)
			}
			if env.TraceID == "" {
				t.Fatal("trace_id empty")
			}
		})
	}
}

func TestWriteError_PlainTextForAssets(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/assets/x.css", nil)
	rec := httptest.NewRecorder()

	WriteError(rec, req, RouteClassAssets, http.StatusNotFound, "NOT_FOUND", "not found")
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestWriteError_AcceptJSONCharset(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/assets/x.css", nil)
	req.Header.Set("Accept", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()

	WriteError(rec, req, RouteClassAssets, http.StatusNotFound, "NOT_FOUND", "not found")
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestTraceIDFromTraceparent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "empty", traceparent: "", want: ""},
		{name: "malformed segments", traceparent: "00-abc-01", want: ""},
		{name: "invalid chars", traceparent: "00-0123456789abcdef0123456789abcdeg-0123456789abcdef-01", want: ""},
		{name: "all zero trace", traceparent: "00-00000000000000000000000000000000-0123456789abcdef-01", want: ""},
		{name: "valid upper", traceparent: "00-ABCDEFABCDEFABCDEFABCDEFABCDEFAB-0123456789abcdef-01", want: "abcdefabcdefabcdefabcdefabcdefab"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := traceIDFromTraceparent(tc.traceparent); got != tc.want {
				t.Fatalf("got=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestTraceID_GeneratesWhenAbsent(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	id := TraceID(req)
	if len(id) != 32 {
		t.Fatalf("trace id len=%d", len(id))
	}

	req.Header.Set("traceparent", "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01")
	if got := TraceID(req); got != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("got=%q", got)
	}
}
