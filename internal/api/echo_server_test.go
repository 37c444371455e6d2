package api

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/xent/internal/xent"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	ce, err := xent.New(xent.Options{Capacity: 2})
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(NewLossStore(4), NewLossService(ce))
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	rec := doJSON(t, newTestEcho(t), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateGetDeleteLossLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"logits":[[[1,2,3,4],[0,0,0,0]]],"labels":[[2,-100]],"return_grad":true}`
	createRec := doJSON(t, e, http.MethodPost, "/v1/loss", body)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}
	created := decode[LossResponse](t, createRec)
	if !strings.HasPrefix(created.ID, "loss_") || created.Object != "loss" {
		t.Fatalf("unexpected id/object: %q %q", created.ID, created.Object)
	}
	if math.Abs(float64(created.Loss)-1.4401897) > 1e-5 {
		t.Fatalf("loss=%v want 1.4401897", created.Loss)
	}
	if created.ValidLabels != 1 || len(created.RowLosses) != 2 || created.RowLosses[1] != 0 {
		t.Fatalf("valid=%d rows=%v", created.ValidLabels, created.RowLosses)
	}
	if created.Shape != [3]int{1, 2, 4} || created.Chunks != 2 {
		t.Fatalf("shape=%v chunks=%d", created.Shape, created.Chunks)
	}
	want := []float64{0.0320586, 0.0871443, -0.7631172, 0.6439143}
	for j, w := range want {
		if g := float64(created.Grad[0][0][j]); math.Abs(g-w) > 1e-5 {
			t.Fatalf("grad[%d]=%v want %v", j, g, w)
		}
		if created.Grad[0][1][j] != 0 {
			t.Fatalf("ignored row gradient %v", created.Grad[0][1])
		}
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/loss/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/loss/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response missing deleted=true: %s", delRec.Body.String())
	}

	getDeletedRec := doJSON(t, e, http.MethodGet, "/v1/loss/"+created.ID, "")
	if getDeletedRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d body=%s", getDeletedRec.Code, getDeletedRec.Body.String())
	}
}

func TestCreateLossWithoutGrad(t *testing.T) {
	t.Parallel()
	rec := doJSON(t, newTestEcho(t), http.MethodPost, "/v1/loss",
		`{"logits":[[[1,2,3,4]]],"labels":[[0]],"softcap":3,"scale":0.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"grad"`) {
		t.Fatalf("grad returned without return_grad: %s", rec.Body.String())
	}
}

func TestCreateLossShiftLabels(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	// shifted labels are [2, -100]; the second position is ignored.
	rec := doJSON(t, e, http.MethodPost, "/v1/loss",
		`{"logits":[[[1,2,3,4],[9,9,9,9]]],"labels":[[7,2]],"shift_labels":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[LossResponse](t, rec)
	if resp.ValidLabels != 1 || math.Abs(float64(resp.Loss)-1.4401897) > 1e-5 {
		t.Fatalf("valid=%d loss=%v", resp.ValidLabels, resp.Loss)
	}
}

func TestCreateLossValidationErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	tests := []struct {
		name string
		body string
		code string
		msg  string
	}{
		{name: "malformed", body: `{"logits":`},
		{name: "empty", body: `{"logits":[],"labels":[]}`, msg: "non-empty"},
		{name: "ragged", body: `{"logits":[[[1,2],[1]]],"labels":[[0,0]]}`, msg: "logits[0][1]"},
		{name: "labels rows", body: `{"logits":[[[1,2]]],"labels":[[0],[0]]}`, msg: "labels has 2 rows"},
		{name: "all ignored", body: `{"logits":[[[1,2]]],"labels":[[-100]]}`, code: "all_labels_ignored"},
		{name: "out of range", body: `{"logits":[[[1,2]]],"labels":[[5]]}`, code: "label_out_of_range"},
		{name: "bad softcap", body: `{"logits":[[[1,2]]],"labels":[[0]],"softcap":-1}`, code: "invalid_config"},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/loss", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", tc.name, rec.Code, rec.Body.String())
		}
		var env struct {
			Error ResponseError `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s: decode error body: %v", tc.name, err)
		}
		if env.Error.Type != "invalid_request_error" {
			t.Fatalf("%s: error type %q", tc.name, env.Error.Type)
		}
		if tc.code != "" && env.Error.Code != tc.code {
			t.Fatalf("%s: code %q want %q", tc.name, env.Error.Code, tc.code)
		}
		if tc.msg != "" && !strings.Contains(env.Error.Message, tc.msg) {
			t.Fatalf("%s: message %q lacks %q", tc.name, env.Error.Message, tc.msg)
		}
	}
}

func TestGetUnknownLoss(t *testing.T) {
	t.Parallel()
	rec := doJSON(t, newTestEcho(t), http.MethodGet, "/v1/loss/loss_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServerWithoutService(t *testing.T) {
	t.Parallel()
	e := echo.New()
	NewServer(nil, nil).Register(e)
	rec := doJSON(t, e, http.MethodPost, "/v1/loss", `{}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestLossStoreEvictsOldest(t *testing.T) {
	t.Parallel()
	s := NewLossStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Put(&LossResponse{ID: id})
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("oldest entry not evicted")
	}
	if s.Len() != 2 {
		t.Fatalf("len=%d want 2", s.Len())
	}
	if !s.Delete("b") || s.Delete("b") {
		t.Fatal("delete should succeed once")
	}
	s.Put(&LossResponse{ID: "d"})
	s.Put(&LossResponse{ID: "e"})
	if _, ok := s.Get("c"); ok {
		t.Fatal("c should have been evicted after delete and two puts")
	}
}
