package create

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tumbleweedd/order_outbox/internal/repository/memory"
	mockRepository "github.com/tumbleweedd/order_outbox/internal/repository/mocks"
	"github.com/tumbleweedd/order_outbox/internal/services/order/create"
	"github.com/tumbleweedd/order_outbox/pkg/logger"
)

func TestCreateOrders(t *testing.T) {
	log := logger.Discard()

	tCases := []struct {
		name       string
		reqBody    string
		wantStatus int
	}{
		{name: "OK_number", reqBody: `{"amount": 5000, "customer_id": "cust-1"}`, wantStatus: http.StatusCreated},
		{name: "OK_string", reqBody: `{"amount": "12.50", "customer_id": "cust-1"}`, wantStatus: http.StatusCreated},
		{name: "negative_amount", reqBody: `{"amount": -10, "customer_id": "cust-1"}`, wantStatus: http.StatusBadRequest},
		{name: "too_precise", reqBody: `{"amount": "1.00001", "customer_id": "cust-1"}`, wantStatus: http.StatusBadRequest},
		{name: "no_customer", reqBody: `{"amount": 10}`, wantStatus: http.StatusBadRequest},
		{name: "bad_json", reqBody: `{"amount": `, wantStatus: http.StatusBadRequest},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			store := memory.NewStore()
			h := NewHandler(log, create.New(log, store))

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(tCase.reqBody))
			req.Header.Set("Content-Type", "application/json")

			h.Create(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			require.Equal(t, tCase.wantStatus, res.StatusCode)

			orders, events := store.Counts()
			if tCase.wantStatus != http.StatusCreated {
				require.Zero(t, orders)
				require.Zero(t, events)
				return
			}

			var body map[string]string
			require.NoError(t, json.NewDecoder(res.Body).Decode(&body))

			orderID, err := uuid.Parse(body["order_id"])
			require.NoError(t, err)

			_, err = store.OrderByID(context.Background(), orderID)
			require.NoError(t, err)
			require.Equal(t, 1, orders)
			require.Equal(t, 1, events)
		})
	}
}

func TestCreateOrderStoreFailures(t *testing.T) {
	log := logger.Discard()

	ctl := gomock.NewController(t)
	defer ctl.Finish()

	repo := mockRepository.NewMockStore(ctl)
	repo.EXPECT().RunInTransaction(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	svc := create.New(log, repo, create.WithBreaker(create.BreakerConfig{
		ConsecutiveFailures: 1,
		OpenTimeout:         time.Hour,
	}))
	h := NewHandler(log, svc)

	send := func() *http.Response {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(`{"amount": 1, "customer_id": "c"}`))
		h.Create(rec, req)
		return rec.Result()
	}

	first := send()
	require.Equal(t, http.StatusInternalServerError, first.StatusCode)

	// the breaker is open now
	second := send()
	require.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
	require.Equal(t, "10", second.Header.Get("Retry-After"))
}
