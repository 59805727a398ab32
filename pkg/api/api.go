package api

import (
	"context"
	"errors"
	"time"

	"github.com/fako1024/btobd/pkg/discovery"
	"github.com/fako1024/btobd/pkg/elm327"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/manager"
	"github.com/fako1024/btobd/pkg/memory"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/multierr"
)

const defaultRequestTimeout = 60 * time.Second

// API denotes a REST API for the connection lifecycle manager
type API struct {
	manager *manager.Manager
	router  *fiber.App

	requestTimeout time.Duration
	logger         logging.Logger
}

// CommandRequest denotes a raw command to be sent to the connected adapter
type CommandRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// CommandResponse denotes the response of the adapter to a raw command
type CommandResponse struct {
	Command  string `json:"command"`
	Response string `json:"response"`
}

// ScanRequest denotes the parameters of a scan
type ScanRequest struct {
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
	Wait      bool  `json:"wait,omitempty"`
}

// PreferencesRequest denotes an update of the auto-connect preferences (absent fields
// are left unchanged)
type PreferencesRequest struct {
	AutoConnect     *bool   `json:"autoConnect,omitempty"`
	PreferredDevice *string `json:"preferredDevice,omitempty"`
}

// ConnectResponse denotes the outcome of a successful connect / auto-connect request
type ConnectResponse struct {
	manager.ConnectResult
	AdapterReady   bool   `json:"adapterReady"`
	HandshakeError string `json:"handshakeError,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New instantiates a new API, executing functional options, if any. If an endpoint is
// provided, the API starts to listen on it in the background
func New(m *manager.Manager, endpoint string, options ...func(*API)) *API {

	api := API{
		manager:        m,
		router:         fiber.New(fiber.Config{DisableStartupMessage: true}),
		requestTimeout: defaultRequestTimeout,
		logger:         &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(&api)
	}

	// Setup routes
	api.router.Get("/devices", api.handleDevices())
	api.router.Get("/devices/saved", api.handleSavedDevices())
	api.router.Delete("/devices/saved", api.handleForgetAll())
	api.router.Delete("/devices/saved/:address", api.handleForget())
	api.router.Get("/connection", api.handleConnection())
	api.router.Get("/history", api.handleHistory())
	api.router.Post("/scan", api.handleStartScan())
	api.router.Delete("/scan", api.handleStopScan())
	api.router.Post("/pair/:address", api.handlePair())
	api.router.Post("/connect/:address", api.handleConnect())
	api.router.Post("/disconnect", api.handleDisconnect())
	api.router.Post("/autoconnect", api.handleAutoConnect())
	api.router.Post("/command", api.handleCommand())
	api.router.Delete("/blacklist/:address", api.handleUnblacklist())
	api.router.Get("/preferences", api.handlePreferences())
	api.router.Put("/preferences", api.handleSetPreferences())

	// Start to listen in goroutine
	if endpoint != "" {
		go func() {
			if err := api.router.Listen(endpoint); err != nil {
				api.logger.Errorf("failed to listen on %s: %s", endpoint, err)
			}
		}()
	}

	return &api
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*API) {
	return func(api *API) {
		api.logger = logger
	}
}

// WithRequestTimeout sets the maximum duration of blocking requests (connect, pair, ...)
func WithRequestTimeout(timeout time.Duration) func(*API) {
	return func(api *API) {
		if timeout > 0 {
			api.requestTimeout = timeout
		}
	}
}

// App returns the underlying router
func (api *API) App() *fiber.App {
	return api.router
}

// Shutdown stops listening
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleDevices() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.manager.DiscoveredDevices())
	}
}

func (api *API) handleSavedDevices() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.manager.SavedDevices())
	}
}

func (api *API) handleForget() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.manager.Forget(addressParam(c)); err != nil {
			return api.fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleForgetAll() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.manager.ForgetAll(); err != nil {
			return api.fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleConnection() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.manager.ConnectionInfo())
	}
}

func (api *API) handleHistory() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.manager.History())
	}
}

func (api *API) handleStartScan() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req ScanRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return api.fail(c, fiber.NewError(fiber.StatusBadRequest, err.Error()))
			}
		}

		scan, err := api.manager.StartScan(time.Duration(req.TimeoutMs) * time.Millisecond)
		if err != nil {
			return api.fail(c, err)
		}
		if !req.Wait {
			return c.SendStatus(fiber.StatusAccepted)
		}

		ctx, cancel := api.context()
		defer cancel()
		res, err := scan.Wait(ctx)
		if err != nil {
			return api.fail(c, err)
		}
		if res.Err != nil {
			return api.fail(c, res.Err)
		}

		return c.JSON(res.Devices)
	}
}

func (api *API) handleStopScan() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		api.manager.StopScan()
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handlePair() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := api.context()
		defer cancel()

		ok, err := api.manager.Pair(ctx, addressParam(c))
		if err != nil {
			return api.fail(c, err)
		}
		if !ok {
			return api.fail(c, manager.ErrPairingFailed)
		}

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := api.context()
		defer cancel()

		res, err := api.manager.Connect(ctx, addressParam(c))
		if err != nil {
			return api.fail(c, err)
		}

		return c.JSON(newConnectResponse(res))
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.manager.Disconnect(); err != nil {
			return api.fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleAutoConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := api.context()
		defer cancel()

		res, err := api.manager.AttemptAutoConnect(ctx)
		if err != nil {
			return api.fail(c, err)
		}

		return c.JSON(newConnectResponse(res))
	}
}

func (api *API) handleCommand() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req CommandRequest
		if err := c.BodyParser(&req); err != nil || req.Command == "" {
			return api.fail(c, fiber.NewError(fiber.StatusBadRequest, "command required"))
		}

		ctx, cancel := api.context()
		defer cancel()

		resp, err := api.manager.SendCommand(ctx, req.Command, time.Duration(req.TimeoutMs)*time.Millisecond)
		if err != nil {
			return api.fail(c, err)
		}

		return c.JSON(CommandResponse{
			Command:  req.Command,
			Response: resp,
		})
	}
}

func (api *API) handleUnblacklist() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if err := api.manager.Unblacklist(addressParam(c)); err != nil {
			return api.fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handlePreferences() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.manager.Preferences())
	}
}

func (api *API) handleSetPreferences() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req PreferencesRequest
		if err := c.BodyParser(&req); err != nil {
			return api.fail(c, fiber.NewError(fiber.StatusBadRequest, err.Error()))
		}

		var err error
		if req.AutoConnect != nil {
			err = multierr.Append(err, api.manager.SetAutoConnect(*req.AutoConnect))
		}
		if req.PreferredDevice != nil {
			err = multierr.Append(err, api.manager.SetPreferredDevice(*req.PreferredDevice))
		}
		if err != nil {
			return api.fail(c, err)
		}

		return c.JSON(api.manager.Preferences())
	}
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), api.requestTimeout)
}

func (api *API) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		api.logger.Warnf("request %s %s failed: %s", c.Method(), c.Path(), err)
	}

	return c.Status(status).JSON(errorResponse{Error: err.Error()})
}

func newConnectResponse(res manager.ConnectResult) ConnectResponse {
	resp := ConnectResponse{
		ConnectResult: res,
		AdapterReady:  res.AdapterReady(),
	}
	if res.HandshakeErr != nil {
		resp.HandshakeError = res.HandshakeErr.Error()
	}
	return resp
}

// addressParam returns a copy of the address route parameter, fiber reuses the
// underlying request buffer once the handler returns
func addressParam(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("address"))
}

func statusFor(err error) int {
	var fErr *fiber.Error
	switch {
	case errors.As(err, &fErr):
		return fErr.Code
	case platform.IsBlocking(err):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, discovery.ErrInvalidTimeout):
		return fiber.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound), errors.Is(err, manager.ErrNoCandidates):
		return fiber.StatusNotFound
	case errors.Is(err, manager.ErrBusy), errors.Is(err, manager.ErrAlreadyConnected),
		errors.Is(err, manager.ErrAborted), errors.Is(err, manager.ErrAutoConnectDisabled),
		errors.Is(err, elm327.ErrNotConnected), errors.Is(err, manager.ErrClosed):
		return fiber.StatusConflict
	case errors.Is(err, elm327.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, manager.ErrConnectFailed), errors.Is(err, manager.ErrPairingFailed),
		errors.Is(err, elm327.ErrRejected):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
