package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedRouter(level zapcore.Level) (*gin.Engine, *observer.ObservedLogs) {
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(level)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Request-ID"); id != "" {
			c.Set("request_id", id)
		}
		c.Next()
	})
	router.Use(AccessLog(zap.New(core)))
	return router, recorded
}

func httpLog(t *testing.T, recorded *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	entries := recorded.FilterMessage("HTTP Request").All()
	require.Len(t, entries, 1)
	return entries[0]
}

func TestAccessLog_LevelByStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zapcore.Level
	}{
		{"ok", http.StatusOK, zapcore.InfoLevel},
		{"conflict", http.StatusConflict, zapcore.WarnLevel},
		{"bad gateway", http.StatusBadGateway, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, recorded := newObservedRouter(zapcore.DebugLevel)
			router.GET("/test", func(c *gin.Context) { c.Status(tt.status) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			entry := httpLog(t, recorded)
			assert.Equal(t, tt.level, entry.Level)
			assert.EqualValues(t, tt.status, entry.ContextMap()["status"])
		})
	}
}

func TestAccessLog_WithRequestID(t *testing.T) {
	router, recorded := newObservedRouter(zapcore.InfoLevel)
	var fromCtx string
	router.GET("/test", func(c *gin.Context) {
		FromGin(c).Info("handler")
		fromCtx = GetRequestID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "req-42")
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-42", httpLog(t, recorded).ContextMap()["request_id"])
	handler := recorded.FilterMessage("handler").All()
	require.Len(t, handler, 1)
	assert.Equal(t, "req-42", handler[0].ContextMap()["request_id"])
	// provider adapters read it from the request context
	assert.Equal(t, "req-42", fromCtx)
}

func TestAccessLog_RedactsOAuthCallbackQuery(t *testing.T) {
	router, recorded := newObservedRouter(zapcore.InfoLevel)
	router.GET("/auth/:service/callback", func(c *gin.Context) { c.Status(http.StatusFound) })

	req := httptest.NewRequest(http.MethodGet, "/auth/accounting/callback?code=secret-code&state=signed-state&realmId=9130", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	query, _ := httpLog(t, recorded).ContextMap()["query"].(string)
	assert.NotContains(t, query, "secret-code")
	assert.NotContains(t, query, "signed-state")
	assert.Contains(t, query, "realmId=9130")
	assert.Contains(t, query, "code=REDACTED")
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "", RedactQuery(""))
	assert.Equal(t, "limit=10", RedactQuery("limit=10"))
	assert.Equal(t, "code=REDACTED&x=1", RedactQuery("x=1&code=abc"))
	assert.Equal(t, "[unparseable]", RedactQuery("%zz"))
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, recorded := observer.New(zapcore.ErrorLevel)

	router := gin.New()
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, recorded.FilterMessage("Panic recovered").All(), 1)
}

func TestFromGin_NotSet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.NotNil(t, FromGin(c))
}
