package reservations

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildhall/backend/internal/auth"
	"github.com/guildhall/backend/internal/middleware"
	"github.com/guildhall/backend/internal/models"
)

const testWebhookSecret = "whsec"

func init() {
	gin.SetMode(gin.TestMode)
}

type apiBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Error   string          `json:"error"`
}

type apiHarness struct {
	*harness
	router *gin.Engine
	jwt    *auth.JWTService
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	h := newHarness(testConfig())
	jwt := auth.NewJWTService("test-secret", "")
	r := gin.New()
	NewHandler(h.svc, testWebhookSecret, nil).Register(r, middleware.JWT(jwt))
	return &apiHarness{harness: h, router: r, jwt: jwt}
}

func (a *apiHarness) do(t *testing.T, method, path string, user *models.User, body any) (*httptest.ResponseRecorder, apiBody) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		token, err := a.jwt.Generate(user.ID, "member@example.com", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var b apiBody
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	}
	return w, b
}

func (a *apiHarness) webhook(t *testing.T, payload any, signature string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	if signature == "" {
		signature = hex.EncodeToString(Sign([]byte(testWebhookSecret), raw))
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestReserveEndpoint(t *testing.T) {
	a := newAPI(t)
	e := a.addEvent(nil, testQuota("member", 10, 1, 5))
	u := a.addUser(newUser("member"))
	v := a.addUser(newUser("member"))
	path := "/events/" + e.ID.String() + "/reservations"

	w, body := a.do(t, http.MethodPost, path, u, ReserveRequest{Amount: 1, RoleID: "member"})
	require.Equal(t, http.StatusCreated, w.Code)
	var out Outcome
	require.NoError(t, json.Unmarshal(body.Data, &out))
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.ReservationCount)
	assert.NotEqual(t, uuid.Nil, out.BatchID)

	w, body = a.do(t, http.MethodPost, path, v, ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "role_sold_out", body.Code)
	assert.Equal(t, Message("role_sold_out"), body.Error)
}

func TestReserveEndpointRejections(t *testing.T) {
	a := newAPI(t)
	e := a.addEvent(nil, testQuota("member", 10, 5, 5))
	u := a.addUser(newUser("member"))
	path := "/events/" + e.ID.String() + "/reservations"

	w, _ := a.do(t, http.MethodPost, path, nil, ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := a.do(t, http.MethodPost, path, u, ReserveRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(ReasonInvalidAmount), body.Code)

	w, body = a.do(t, http.MethodPost, path, u, map[string]string{"amount": "two"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(ReasonInvalidAmount), body.Code)

	w, body = a.do(t, http.MethodPost, "/events/not-a-uuid/reservations", u, ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(ReasonInvalidEvent), body.Code)

	w, body = a.do(t, http.MethodPost, "/events/"+uuid.NewString()+"/reservations", u, ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(ReasonEventNotFound), body.Code)

	// A token for a user with no local record.
	w, body = a.do(t, http.MethodPost, path, newUser("member"), ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(ReasonUnauthorized), body.Code)

	a.store.lockErr = errBoom
	w, body = a.do(t, http.MethodPost, path, u, ReserveRequest{Amount: 1})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", body.Code)
	assert.NotContains(t, body.Error, "boom")
}

func TestCancelAndPaymentEndpoints(t *testing.T) {
	a := newAPI(t)
	e := a.addEvent(nil, testQuota("member", 10, 5, 5))
	u := a.addUser(newUser("member"))

	first := a.reserve(t, u, e, 1)
	second := a.reserve(t, u, e, 1)
	require.True(t, first.Success)
	require.True(t, second.Success)

	w, _ := a.do(t, http.MethodDelete, "/reservations/"+first.BatchID.String(), u, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = a.do(t, http.MethodDelete, "/reservations/"+first.BatchID.String(), u, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = a.do(t, http.MethodDelete, "/reservations/xyz", u, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	paymentPath := "/reservations/" + second.BatchID.String() + "/payment"
	w, body := a.do(t, http.MethodPost, paymentPath, u, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var attempt models.PaymentAttempt
	require.NoError(t, json.Unmarshal(body.Data, &attempt))
	assert.Equal(t, models.PaymentStatusPending, attempt.Status)

	w, _ = a.do(t, http.MethodPost, paymentPath, u, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = a.do(t, http.MethodGet, "/events/"+e.ID.String()+"/reservations/me", u, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &mine))
	assert.Equal(t, 1, mine.Count)
}

func TestPaymentWebhook(t *testing.T) {
	a := newAPI(t)
	e := a.addEvent(nil, testQuota("member", 10, 5, 5))
	u := a.addUser(newUser("member"))
	out := a.reserve(t, u, e, 2)
	require.True(t, out.Success)
	_, err := a.svc.StartPayment(context.Background(), u.ID, out.BatchID)
	require.NoError(t, err)

	payload := PaymentWebhook{BatchID: out.BatchID, Status: models.PaymentStatusCompleted}
	assert.Equal(t, http.StatusUnauthorized, a.webhook(t, payload, "deadbeef").Code)
	assert.Equal(t, http.StatusUnauthorized, a.webhook(t, payload, "not-hex").Code)

	bad := PaymentWebhook{BatchID: out.BatchID, Status: "refunded"}
	assert.Equal(t, http.StatusBadRequest, a.webhook(t, bad, "").Code)
	assert.Equal(t, http.StatusBadRequest, a.webhook(t, map[string]string{"status": "completed"}, "").Code)

	assert.Equal(t, http.StatusNoContent, a.webhook(t, payload, "").Code)
	for _, r := range a.store.rows {
		assert.True(t, r.PaymentCompleted)
	}
	assert.Equal(t, http.StatusConflict, a.webhook(t, payload, "").Code)

	unknown := PaymentWebhook{BatchID: uuid.New(), Status: models.PaymentStatusFailed}
	assert.Equal(t, http.StatusConflict, a.webhook(t, unknown, "").Code)
}

func TestPaymentWebhookWithoutSecretRejectsEverything(t *testing.T) {
	h := newHarness(testConfig())
	r := gin.New()
	NewHandler(h.svc, "", nil).Register(r, func(c *gin.Context) { c.Next() })

	raw := []byte(`{"batch_id":"` + uuid.NewString() + `","status":"completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(raw))
	req.Header.Set(SignatureHeader, hex.EncodeToString(Sign(nil, raw)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAvailabilityEndpoint(t *testing.T) {
	a := newAPI(t)
	e := a.addEvent(nil, testQuota("member", 10, 5, 5))
	u := a.addUser(newUser("member"))
	require.True(t, a.reserve(t, u, e, 2).Success)

	w, body := a.do(t, http.MethodGet, "/events/"+e.ID.String()+"/availability", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Quotas []struct {
			RoleID    string `json:"role_id"`
			Remaining int    `json:"remaining"`
		} `json:"quotas"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &view))
	require.Len(t, view.Quotas, 1)
	assert.Equal(t, "member", view.Quotas[0].RoleID)
	assert.Equal(t, 3, view.Quotas[0].Remaining)

	w, body = a.do(t, http.MethodGet, "/events/"+uuid.NewString()+"/availability", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(ReasonEventNotFound), body.Code)

	w, _ = a.do(t, http.MethodGet, "/events/nope/availability", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Status(ReasonInvalidAmount))
	assert.Equal(t, http.StatusUnauthorized, Status(ReasonUnauthorized))
	assert.Equal(t, http.StatusNotFound, Status(ReasonEventNotFound))
	assert.Equal(t, http.StatusForbidden, Status("registration_closed"))
	assert.Equal(t, http.StatusConflict, Status(ReasonStaleRole))
	assert.Equal(t, "something_new", Message("something_new"))
}
