package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/JMMolenaar/Fab-CIC-manager/app"
	"github.com/JMMolenaar/Fab-CIC-manager/config"
	"github.com/JMMolenaar/Fab-CIC-manager/registry"
	"github.com/JMMolenaar/Fab-CIC-manager/server/handlers"
)

func TestMain(m *testing.M) {
	handlers.Setup(logrus.New())
	os.Exit(m.Run())
}

func ginTest() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return gin.New()
}

// setup builds an App on miniredis without starting it, the handlers only
// need its state.
func setup(t *testing.T, doc string) *app.App {
	mr := miniredis.RunT(t)
	conf := config.Default()
	conf.Env = "staging"
	conf.Redis.Addr = mr.Addr()
	conf.Queues = []string{"default", "low"}
	conf.ScheduleFile = filepath.Join(t.TempDir(), "schedule.yml")
	if doc != "" {
		require.NoError(t, os.WriteFile(conf.ScheduleFile, []byte(doc), 0o644))
	}
	require.NoError(t, conf.Validate())

	reg := registry.New(registry.Defaults{MaxAttempts: 2, Timeout: time.Minute})
	require.NoError(t, app.RegisterBuiltins(reg, logrus.New()))
	reg.MustRegister("report.daily", func(context.Context, json.RawMessage) error { return nil },
		registry.WithUniqueKey(func(args json.RawMessage) string { return "report:" + string(args) }))

	conn := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	a, err := app.NewWithConn(context.Background(), conf, conn, reg, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func serve(a *app.App, method, route, target string, body io.Reader, h gin.HandlerFunc) *httptest.ResponseRecorder {
	e := ginTest()
	e.Use(handlers.SetupApp(a))
	e.Handle(method, route, h)
	// routes go in first, the engine sizes its param buffers from them
	resp := httptest.NewRecorder()
	e.ServeHTTP(resp, httptest.NewRequest(method, target, body))
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), v))
}
