package quickstart

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/danmuck/blocksync/internal/spec"
)

var (
	ErrInvalidConfig = errors.New("quickstart: invalid config")
	ErrNameTaken     = errors.New("quickstart: block id already in use")
)

// Glycol control modes.
const (
	GlycolNone    = "No"
	GlycolMeasure = "Measure"
	GlycolControl = "Control"
)

const day = 24 * time.Hour

// Pin is one channel of an IO array block.
type Pin struct {
	ArrayID string `toml:"array_id"`
	Channel int    `toml:"channel"`
}

func (p Pin) String() string { return fmt.Sprintf("%s[%d]", p.ArrayID, p.Channel) }

// GlycolNames are the block ids used by the glycol setup.
type GlycolNames struct {
	BeerSensor     string `toml:"beer_sensor"`
	BeerSetpoint   string `toml:"beer_setpoint"`
	BeerProfile    string `toml:"beer_profile"`
	Mutex          string `toml:"mutex"`
	CoolAct        string `toml:"cool_act"`
	HeatAct        string `toml:"heat_act"`
	CoolPwm        string `toml:"cool_pwm"`
	HeatPwm        string `toml:"heat_pwm"`
	CoolPid        string `toml:"cool_pid"`
	HeatPid        string `toml:"heat_pid"`
	GlycolSensor   string `toml:"glycol_sensor"`
	GlycolSetpoint string `toml:"glycol_setpoint"`
	GlycolAct      string `toml:"glycol_act"`
	GlycolPwm      string `toml:"glycol_pwm"`
	GlycolPid      string `toml:"glycol_pid"`
}

// DefaultNames derives ids from prefix, e.g. "Fermenter Cool PID".
func DefaultNames(prefix string) GlycolNames {
	with := func(name string) string {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return name
		}
		return prefix + " " + name
	}
	return GlycolNames{
		BeerSensor:     with("Beer Sensor"),
		BeerSetpoint:   with("Beer Setpoint"),
		BeerProfile:    with("Beer Profile"),
		Mutex:          with("Mutex"),
		CoolAct:        with("Cool Actuator"),
		HeatAct:        with("Heat Actuator"),
		CoolPwm:        with("Cool PWM"),
		HeatPwm:        with("Heat PWM"),
		CoolPid:        with("Cool PID"),
		HeatPid:        with("Heat PID"),
		GlycolSensor:   with("Glycol Sensor"),
		GlycolSetpoint: with("Glycol Setpoint"),
		GlycolAct:      with("Glycol Actuator"),
		GlycolPwm:      with("Glycol PWM"),
		GlycolPid:      with("Glycol PID"),
	}
}

// GlycolConfig describes a fermenter cooled by a glycol valve, optionally
// heated, optionally with its own glycol temperature control.
type GlycolConfig struct {
	ServiceID     string      `toml:"service_id"`
	Prefix        string      `toml:"prefix"`
	Names         GlycolNames `toml:"names"`
	Heated        bool        `toml:"heated"`
	CoolPin       Pin         `toml:"cool_pin"`
	HeatPin       *Pin        `toml:"heat_pin"`
	GlycolMode    string      `toml:"glycol_control"`
	GlycolPin     *Pin        `toml:"glycol_pin"`
	BeerSetting   float64     `toml:"beer_setting"`
	GlycolSetting float64     `toml:"glycol_setting"`
	// ProfileStart defaults to the planning time.
	ProfileStart time.Time `toml:"profile_start"`
}

// LoadGlycolConfig reads a TOML wizard answer file. Unset names are derived
// from the prefix.
func LoadGlycolConfig(path string) (GlycolConfig, error) {
	var cfg GlycolConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidConfig, path, undecoded)
	}
	if !meta.IsDefined("glycol_control") {
		cfg.GlycolMode = GlycolNone
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults fills empty names from the prefix and an empty glycol mode.
func (cfg GlycolConfig) WithDefaults() GlycolConfig {
	def := DefaultNames(cfg.Prefix)
	n := &cfg.Names
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&n.BeerSensor, def.BeerSensor)
	fill(&n.BeerSetpoint, def.BeerSetpoint)
	fill(&n.BeerProfile, def.BeerProfile)
	fill(&n.Mutex, def.Mutex)
	fill(&n.CoolAct, def.CoolAct)
	fill(&n.HeatAct, def.HeatAct)
	fill(&n.CoolPwm, def.CoolPwm)
	fill(&n.HeatPwm, def.HeatPwm)
	fill(&n.CoolPid, def.CoolPid)
	fill(&n.HeatPid, def.HeatPid)
	fill(&n.GlycolSensor, def.GlycolSensor)
	fill(&n.GlycolSetpoint, def.GlycolSetpoint)
	fill(&n.GlycolAct, def.GlycolAct)
	fill(&n.GlycolPwm, def.GlycolPwm)
	fill(&n.GlycolPid, def.GlycolPid)
	if cfg.GlycolMode == "" {
		cfg.GlycolMode = GlycolNone
	}
	return cfg
}

func (cfg GlycolConfig) Validate() error {
	if strings.TrimSpace(cfg.ServiceID) == "" {
		return fmt.Errorf("%w: service_id is required", ErrInvalidConfig)
	}
	if cfg.CoolPin.ArrayID == "" {
		return fmt.Errorf("%w: cool_pin.array_id is required", ErrInvalidConfig)
	}
	pins := []Pin{cfg.CoolPin}
	if cfg.Heated {
		if cfg.HeatPin == nil || cfg.HeatPin.ArrayID == "" {
			return fmt.Errorf("%w: heated setup needs heat_pin", ErrInvalidConfig)
		}
		pins = append(pins, *cfg.HeatPin)
	}
	switch cfg.GlycolMode {
	case GlycolNone, GlycolMeasure:
	case GlycolControl:
		if cfg.GlycolPin == nil || cfg.GlycolPin.ArrayID == "" {
			return fmt.Errorf("%w: glycol control needs glycol_pin", ErrInvalidConfig)
		}
		pins = append(pins, *cfg.GlycolPin)
	default:
		return fmt.Errorf("%w: glycol_control %q", ErrInvalidConfig, cfg.GlycolMode)
	}
	seen := make(map[Pin]bool, len(pins))
	for _, p := range pins {
		if seen[p] {
			return fmt.Errorf("%w: pin %s used twice", ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	return nil
}

// claimedPins are the pins the new actuators will drive.
func (cfg GlycolConfig) claimedPins() []Pin {
	pins := []Pin{cfg.CoolPin}
	if cfg.Heated && cfg.HeatPin != nil {
		pins = append(pins, *cfg.HeatPin)
	}
	if cfg.GlycolMode == GlycolControl && cfg.GlycolPin != nil {
		pins = append(pins, *cfg.GlycolPin)
	}
	return pins
}

// PlanGlycol builds the blocks to create and the existing blocks to change.
// existing is the current block set of the target service.
func PlanGlycol(cfg GlycolConfig, existing []blocks.Block, catalog *spec.Catalog) (Plan, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Plan{}, err
	}
	if catalog == nil {
		catalog = spec.MustNewCatalog(spec.Builtin())
	}
	created, err := createdBlocks(cfg, catalog)
	if err != nil {
		return Plan{}, err
	}
	taken := make(map[string]bool, len(existing))
	for _, b := range existing {
		taken[b.ID] = true
	}
	for _, b := range created {
		if taken[b.ID] {
			return Plan{}, fmt.Errorf("%w: %s/%s", ErrNameTaken, cfg.ServiceID, b.ID)
		}
	}
	return Plan{
		ServiceID: cfg.ServiceID,
		Changed:   UnlinkActuators(existing, cfg.claimedPins()),
		Created:   created,
	}, nil
}

func createdBlocks(cfg GlycolConfig, catalog *spec.Catalog) ([]blocks.Block, error) {
	n := cfg.Names
	groups := []int{0}
	start := cfg.ProfileStart
	if start.IsZero() {
		start = time.Now()
	}
	block := func(id, typ string, data map[string]any) blocks.Block {
		return blocks.Block{ServiceID: cfg.ServiceID, ID: id, Type: typ, Groups: append([]int(nil), groups...), Data: data}
	}
	pid := func(id string, overrides map[string]any) (blocks.Block, error) {
		data, err := catalog.Generate(spec.TypePid)
		if err != nil {
			return blocks.Block{}, err
		}
		for k, v := range overrides {
			data[k] = v
		}
		return block(id, spec.TypePid, data), nil
	}

	out := []blocks.Block{
		block(n.BeerSetpoint, spec.TypeSetpointSensorPair, setpointData(n.BeerSensor, cfg.BeerSetting)),
		block(n.BeerProfile, spec.TypeSetpointProfile, map[string]any{
			"start":    float64(start.Unix()),
			"enabled":  false,
			"targetId": blocks.LinkTo(n.BeerSetpoint, spec.InterfaceSetpoint).Value(),
			"points":   []any{
				profilePoint(0, cfg.BeerSetting),
				profilePoint(7*day, cfg.BeerSetting),
				profilePoint(10*day, cfg.BeerSetting+3),
			},
			"drivenTargetId": blocks.NullLink(spec.InterfaceSetpoint).Value(),
		}),
		block(n.Mutex, spec.TypeMutex, map[string]any{
			"differentActuatorWait": blocks.Duration("5m"),
			"waitRemaining":         blocks.Duration("0s"),
		}),
		block(n.CoolAct, spec.TypeDigitalActuator, actuatorData(&cfg.CoolPin, []any{
			mutexConstraint(n.Mutex),
			durationConstraint("minOn", "5s"),
		})),
		block(n.HeatAct, spec.TypeDigitalActuator, actuatorData(cfg.HeatPin, []any{
			mutexConstraint(n.Mutex),
		})),
		block(n.CoolPwm, spec.TypeActuatorPwm, pwmData(n.CoolAct, "10m")),
		block(n.HeatPwm, spec.TypeActuatorPwm, pwmData(n.HeatAct, "10s")),
	}

	coolPid, err := pid(n.CoolPid, map[string]any{
		"kp":       blocks.InverseTemp(-20.0),
		"ti":       blocks.Duration("2h"),
		"td":       blocks.Duration("10m"),
		"enabled":  true,
		"inputId":  blocks.LinkTo(n.BeerSetpoint, spec.InterfaceSetpoint).Value(),
		"outputId": blocks.LinkTo(n.CoolPwm, spec.InterfaceActuatorAnalog).Value(),
	})
	if err != nil {
		return nil, err
	}
	heatPid, err := pid(n.HeatPid, map[string]any{
		"kp":       blocks.InverseTemp(100.0),
		"ti":       blocks.Duration("2h"),
		"td":       blocks.Duration("10m"),
		"enabled":  true,
		"inputId":  blocks.LinkTo(n.BeerSetpoint, spec.InterfaceSetpoint).Value(),
		"outputId": blocks.LinkTo(n.HeatPwm, spec.InterfaceActuatorAnalog).Value(),
	})
	if err != nil {
		return nil, err
	}
	out = append(out, coolPid, heatPid)

	if cfg.GlycolMode == GlycolControl {
		glycolPid, err := pid(n.GlycolPid, map[string]any{
			"kp":       blocks.InverseTemp(-20.0),
			"ti":       blocks.Duration("2h"),
			"td":       blocks.Duration("5m"),
			"enabled":  true,
			"inputId":  blocks.LinkTo(n.GlycolSetpoint, spec.InterfaceSetpoint).Value(),
			"outputId": blocks.LinkTo(n.GlycolPwm, spec.InterfaceActuatorAnalog).Value(),
		})
		if err != nil {
			return nil, err
		}
		out = append(out,
			block(n.GlycolSetpoint, spec.TypeSetpointSensorPair, setpointData(n.GlycolSensor, cfg.GlycolSetting)),
			block(n.GlycolAct, spec.TypeDigitalActuator, actuatorData(cfg.GlycolPin, []any{
				durationConstraint("minOff", "5m"),
				durationConstraint("minOn", "3m"),
			})),
			block(n.GlycolPwm, spec.TypeActuatorPwm, pwmData(n.GlycolAct, "30m")),
			glycolPid,
		)
	}

	if cfg.Heated {
		return out, nil
	}
	heating := map[string]bool{n.HeatPid: true, n.HeatPwm: true, n.HeatAct: true}
	filtered := out[:0]
	for _, b := range out {
		if !heating[b.ID] {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

func setpointData(sensor string, setting float64) map[string]any {
	return map[string]any{
		"sensorId":        blocks.LinkTo(sensor, spec.InterfaceTempSensor).Value(),
		"storedSetting":   blocks.Temp(setting),
		"settingEnabled":  true,
		"setting":         blocks.Temp(nil),
		"value":           blocks.Temp(nil),
		"valueUnfiltered": blocks.Temp(nil),
		"filterThreshold": blocks.DeltaTemp(5.0),
		"filter":          "FILTER_15s",
		"resetFilter":     false,
	}
}

func profilePoint(at time.Duration, temp float64) map[string]any {
	return map[string]any{
		"time":        at.Seconds(),
		"temperature": blocks.Temp(temp),
	}
}

// actuatorData builds a digital actuator; a nil pin leaves it unassigned.
func actuatorData(pin *Pin, constraints []any) map[string]any {
	hw := blocks.NullLink(spec.InterfaceIoArray)
	channel := 0
	if pin != nil {
		hw = blocks.LinkTo(pin.ArrayID, spec.InterfaceIoArray)
		channel = pin.Channel
	}
	return map[string]any{
		"hwDevice":      hw.Value(),
		"channel":       float64(channel),
		"invert":        false,
		"desiredState":  "STATE_INACTIVE",
		"state":         "STATE_INACTIVE",
		"constrainedBy": map[string]any{"constraints": constraints},
	}
}

func mutexConstraint(mutexID string) map[string]any {
	return map[string]any{
		"mutexed": map[string]any{
			"mutexId":           blocks.LinkTo(mutexID, spec.TypeMutex).Value(),
			"extraHoldTime":     blocks.Duration("15m"),
			"hasCustomHoldTime": true,
			"hasLock":           false,
		},
		"remaining": blocks.Duration("0s"),
	}
}

func durationConstraint(key, d string) map[string]any {
	return map[string]any{
		key:         blocks.Duration(d),
		"remaining": blocks.Duration("0s"),
	}
}

func pwmData(actuator, period string) map[string]any {
	return map[string]any{
		"enabled":          true,
		"period":           blocks.Duration(period),
		"actuatorId":       blocks.LinkTo(actuator, spec.InterfaceActuatorDigital).Value(),
		"drivenActuatorId": blocks.NullLink(spec.InterfaceActuatorDigital).Value(),
		"setting":          0.0,
		"desiredSetting":   0.0,
		"value":            0.0,
		"constrainedBy":    map[string]any{"constraints": []any{}},
	}
}
