package garage

import (
	"sync"
	"time"
)

// Drivetrain tags what propulsion data a vehicle can carry. A single
// tagged record replaces per-drivetrain vehicle subtypes.
type Drivetrain string

const (
	DrivetrainElectric   Drivetrain = "electric"
	DrivetrainCombustion Drivetrain = "combustion"
	DrivetrainHybrid     Drivetrain = "hybrid"
	DrivetrainUnknown    Drivetrain = "unknown"
)

// ChargingState summarizes the charging status reported by the remote
// system.
type ChargingState string

const (
	ChargingOff     ChargingState = "off"
	ChargingActive  ChargingState = "charging"
	ChargingError   ChargingState = "error"
	ChargingUnknown ChargingState = "unknown"
)

// Vehicle is the domain record for one tracked vehicle. All fields the
// connector fetches are timestamped attributes.
type Vehicle struct {
	VIN        string
	Drivetrain Drivetrain

	TronityID    Attribute[string]
	Name         Attribute[string]
	Model        Attribute[string]
	Manufacturer Attribute[string]

	Odometer   Attribute[float64] // km
	TotalRange Attribute[float64] // km

	// Electric-drive data, present when Drivetrain includes an
	// electric drive.
	BatteryLevel     Attribute[float64] // percent
	Charging         Attribute[ChargingState]
	PluggedIn        Attribute[bool]
	ChargerPower     Attribute[float64] // kW
	ChargeFinishedAt Attribute[time.Time]

	Latitude  Attribute[float64]
	Longitude Attribute[float64]

	mu       sync.Mutex
	managers map[string]struct{}
}

// NewVehicle creates a vehicle record for the given vin.
func NewVehicle(vin string, drivetrain Drivetrain) *Vehicle {
	return &Vehicle{
		VIN:        vin,
		Drivetrain: drivetrain,
		managers:   make(map[string]struct{}),
	}
}

// AddManager registers a connector as managing this vehicle.
func (v *Vehicle) AddManager(connectorID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.managers[connectorID] = struct{}{}
}

// ManagedBy reports whether the given connector manages this vehicle.
func (v *Vehicle) ManagedBy(connectorID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, ok := v.managers[connectorID]

	return ok
}

// ManagedOnlyBy reports whether the given connector is the sole
// manager of this vehicle.
func (v *Vehicle) ManagedOnlyBy(connectorID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, ok := v.managers[connectorID]

	return ok && len(v.managers) == 1
}

// Garage is the set of tracked vehicles, keyed by vin.
type Garage struct {
	mu       sync.RWMutex
	vehicles map[string]*Vehicle
	revision int64
}

// New creates an empty garage.
func New() *Garage {
	return &Garage{vehicles: make(map[string]*Vehicle)}
}

// Get returns the vehicle for a vin, or nil.
func (g *Garage) Get(vin string) *Vehicle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.vehicles[vin]
}

// Add registers a vehicle under its vin, replacing any prior entry.
func (g *Garage) Add(v *Vehicle) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.vehicles[v.VIN] = v
}

// Remove drops the vehicle for a vin.
func (g *Garage) Remove(vin string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.vehicles, vin)
}

// VINs returns the vins of all tracked vehicles.
func (g *Garage) VINs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	vins := make([]string, 0, len(g.vehicles))
	for vin := range g.vehicles {
		vins = append(vins, vin)
	}

	return vins
}

// EndTransaction marks the end of one logical update pass over the
// garage, bumping the revision readers can watch.
func (g *Garage) EndTransaction() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.revision++
}

// Revision returns the number of completed update passes.
func (g *Garage) Revision() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.revision
}
