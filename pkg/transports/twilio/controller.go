package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callguard/pkg/errorsx"
	"github.com/harunnryd/callguard/pkg/logging"
	"github.com/harunnryd/callguard/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

const statusCompleted = "completed"

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Controller ends live calls through the REST API.
type Controller struct {
	cfg    Config
	client callUpdater
	logger *slog.Logger
}

func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "twilio_controller"),
	}
}

// Terminate moves the call to completed, which hangs up every leg. The REST
// client takes no context, so ctx only bounds how long the caller waits.
func (c *Controller) Terminate(ctx context.Context, callID string) error {
	if strings.TrimSpace(callID) == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonTerminationCommand)
	}
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonTerminationCommand)
	}
	updater := c.client
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: c.cfg.AccountSID,
			Password: c.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus(statusCompleted)

	errCh := make(chan error, 1)
	go func() {
		_, err := updater.UpdateCall(callID, params)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return errorsx.Wrap(fmt.Errorf("update call %s: %w", callID, err), errorsx.ReasonTerminationCommand)
		}
		c.logger.Info("call_terminated", slog.String("call_id", callID))
		return nil
	case <-ctx.Done():
		return errorsx.Wrap(fmt.Errorf("update call %s: %w", callID, ctx.Err()), errorsx.ReasonTerminationCommand)
	}
}

var _ transports.CallController = (*Controller)(nil)
