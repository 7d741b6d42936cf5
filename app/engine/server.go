package engine

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trustnet/unlx/app/engine/controller"
	"github.com/trustnet/unlx/app/engine/types"
	"github.com/trustnet/unlx/pkg/utils"
)

// NewServer creates and attaches the HTTP server to the app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3000")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
