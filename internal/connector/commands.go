package connector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/evgrid/tronity-connect/tronity"
)

// StartCharging asks Tronity to start charging the given vehicle.
// Command failures are local to the caller and never affect the
// polling loop's health.
func (c *Connector) StartCharging(ctx context.Context, vin string) error {
	return c.chargingControl(ctx, vin, "start_charging")
}

// StopCharging asks Tronity to stop charging the given vehicle.
//
// TODO: confirm the stop_charging control endpoint against the live
// API contract; the upstream connector posts start_charging for both
// directions.
func (c *Connector) StopCharging(ctx context.Context, vin string) error {
	return c.chargingControl(ctx, vin, "stop_charging")
}

func (c *Connector) chargingControl(ctx context.Context, vin, action string) error {
	v := c.garage.Get(vin)
	if v == nil {
		return fmt.Errorf("%w: unknown vehicle %s", tronity.ErrCommand, vin)
	}

	tronityID, ok := v.TronityID.Value()
	if !ok {
		return fmt.Errorf("%w: vehicle %s has no tronity id", tronity.ErrCommand, vin)
	}

	status, body, err := c.api.Post(ctx, "/tronity/vehicles/"+tronityID+"/control/"+action, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", tronity.ErrCommand, err)
	}

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusMethodNotAllowed:
		return fmt.Errorf("%w: charging control not supported by tronity for this vehicle (%d: %s)",
			tronity.ErrCommand, status, body)
	case http.StatusConflict:
		return fmt.Errorf("%w: could not control charging, the vehicle may be unreachable (%d: %s)",
			tronity.ErrCommand, status, body)
	default:
		return fmt.Errorf("%w: could not control charging (%d: %s)", tronity.ErrCommand, status, body)
	}
}
