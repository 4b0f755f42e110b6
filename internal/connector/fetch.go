package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/evgrid/tronity-connect/internal/garage"
	"github.com/evgrid/tronity-connect/tronity"
)

// fetchAll performs one full fetch cycle: all tracked vehicles and
// their latest records, mapped into the garage, then the logical
// transaction is ended.
func (c *Connector) fetchAll(ctx context.Context) error {
	if err := c.fetchVehicles(ctx); err != nil {
		return err
	}

	c.garage.EndTransaction()

	return nil
}

// fetchVehicles lists the account's vehicles, registers new ones in
// the garage, updates their descriptive attributes and latest records,
// and removes vehicles this connector manages that the listing no
// longer contains.
func (c *Connector) fetchVehicles(ctx context.Context) error {
	body, err := c.api.Get(ctx, "/tronity/vehicles")
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})

	if body != nil {
		for _, entry := range gjson.GetBytes(body, "data").Array() {
			vin := entry.Get("vin")
			if !present(vin) {
				return fmt.Errorf("%w: could not parse vehicle, vin missing", tronity.ErrAPICompatibility)
			}

			seen[vin.String()] = struct{}{}

			v := c.garage.Get(vin.String())
			if v == nil {
				v = garage.NewVehicle(vin.String(), garage.DrivetrainElectric)
				v.AddManager(c.id)
				c.garage.Add(v)
			}

			capturedAt := parseCapturedAt(entry.Get("updatedAt"))

			if id := entry.Get("id"); present(id) {
				v.TronityID.Set(id.String(), capturedAt)
			}

			setString(&v.Name, entry.Get("displayName"), capturedAt)
			setString(&v.Model, entry.Get("model"), capturedAt)
			setString(&v.Manufacturer, entry.Get("manufacture"), capturedAt)

			if err := c.fetchVehicleStatus(ctx, v); err != nil {
				return err
			}
		}
	}

	for _, vin := range c.garage.VINs() {
		if _, ok := seen[vin]; ok {
			continue
		}

		if v := c.garage.Get(vin); v != nil && v.ManagedBy(c.id) {
			c.logger.Info("vehicle no longer listed, removing", slog.String("vin", vin))
			c.garage.Remove(vin)
		}
	}

	return nil
}

// fetchVehicleStatus retrieves a vehicle's latest record and maps it
// into the vehicle's attributes. Absent fields clear their attribute.
func (c *Connector) fetchVehicleStatus(ctx context.Context, v *garage.Vehicle) error {
	tronityID, ok := v.TronityID.Value()
	if !ok {
		return fmt.Errorf("%w: vehicle %s has no tronity id", tronity.ErrAPICompatibility, v.VIN)
	}

	body, err := c.api.Get(ctx, "/tronity/vehicles/"+tronityID+"/last_record")
	if err != nil {
		return err
	}

	if body == nil {
		return nil
	}

	record := gjson.ParseBytes(body)

	var measured time.Time
	if ts := record.Get("timestamp"); present(ts) {
		measured = time.UnixMilli(ts.Int()).UTC()
	}

	setFloat(&v.Odometer, record.Get("odometer"), measured)
	setFloat(&v.TotalRange, record.Get("range"), measured)
	setFloat(&v.BatteryLevel, record.Get("level"), measured)
	setFloat(&v.ChargerPower, record.Get("chargerPower"), measured)
	setFloat(&v.Latitude, record.Get("latitude"), measured)
	setFloat(&v.Longitude, record.Get("longitude"), measured)

	if charging := record.Get("charging"); present(charging) {
		v.Charging.Set(chargingState(charging.String(), c.logger), measured)
	} else {
		v.Charging.Clear()
	}

	if plugged := record.Get("plugged"); present(plugged) {
		v.PluggedIn.Set(plugged.Bool(), measured)
	} else {
		v.PluggedIn.Clear()
	}

	if remaining := record.Get("chargeRemainingTime"); present(remaining) {
		finished := time.Now().UTC().Add(time.Duration(remaining.Int()) * time.Minute)
		v.ChargeFinishedAt.Set(finished, measured)
	} else {
		v.ChargeFinishedAt.Clear()
	}

	return nil
}

func chargingState(raw string, logger *slog.Logger) garage.ChargingState {
	switch raw {
	case "Error":
		return garage.ChargingError
	case "Charging":
		return garage.ChargingActive
	case "Disconnected":
		return garage.ChargingOff
	default:
		logger.Warn("unknown charging state", slog.String("state", raw))
		return garage.ChargingUnknown
	}
}

// present reports whether a JSON field exists and is not null.
func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

func parseCapturedAt(r gjson.Result) time.Time {
	if !present(r) {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, r.String())
	if err != nil {
		return time.Time{}
	}

	return t.UTC()
}

func setString(attr *garage.Attribute[string], r gjson.Result, measured time.Time) {
	if present(r) {
		attr.Set(r.String(), measured)
		return
	}

	attr.Clear()
}

func setFloat(attr *garage.Attribute[float64], r gjson.Result, measured time.Time) {
	if present(r) {
		attr.Set(r.Float(), measured)
		return
	}

	attr.Clear()
}
