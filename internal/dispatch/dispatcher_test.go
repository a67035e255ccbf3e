package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDispatchSuccessOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := New(5*time.Second, 0, 0)
	outcome, err := d.Dispatch(context.Background(), srv.URL, http.MethodPost, nil, []byte(`{}`))
	if outcome != Success || err != nil {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
}

func TestDispatchRetryableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(5*time.Second, 0, 0)
	outcome, err := d.Dispatch(context.Background(), srv.URL, http.MethodPost, nil, nil)
	if outcome != RetryableFailure || err == nil {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
}

func TestDispatchRetryableOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	d := New(time.Second, 0, 0)
	outcome, err := d.Dispatch(context.Background(), srv.URL, http.MethodPost, nil, nil)
	if outcome != RetryableFailure || err == nil {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
}

func TestDispatchSendsMethodHeadersBody(t *testing.T) {
	var gotMethod, gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	d := New(5*time.Second, 0, 0)
	outcome, err := d.Dispatch(context.Background(), srv.URL, "PUT",
		map[string]string{"X-Token": "secret"}, []byte(`{"k":"v"}`))
	if outcome != Success || err != nil {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	if gotMethod != "PUT" || gotHeader != "secret" || gotBody != `{"k":"v"}` {
		t.Fatalf("got method=%s header=%s body=%s", gotMethod, gotHeader, gotBody)
	}
}
