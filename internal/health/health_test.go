package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestReportPushesStatusQuery(t *testing.T) {
	got := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Query()
	}))
	defer srv.Close()

	r := NewReporter(srv.URL, nil)
	r.Report(StatusDown, "twitter unavailable")

	select {
	case q := <-got:
		if q.Get("status") != StatusDown {
			t.Errorf("status: %q", q.Get("status"))
		}
		if q.Get("msg") != "twitter unavailable" {
			t.Errorf("msg: %q", q.Get("msg"))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("push never arrived")
	}
}

func TestNilReporterDiscards(t *testing.T) {
	var r *Reporter
	// Must not panic.
	r.Report(StatusUp, "ignored")

	if NewReporter("", nil) != nil {
		t.Fatalf("empty push url should yield nil reporter")
	}
}
