package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_OKWhenDBReachable(t *testing.T) {
	db := newWorkerTestDB(t)
	h := NewHealthHandler(db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.Healthz(c)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_UnavailableWhenDBClosed(t *testing.T) {
	db := newWorkerTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	h := NewHealthHandler(db)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/healthz", nil)

	h.Healthz(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
