package spec

import "github.com/danmuck/blocksync/internal/blocks"

// Block types known to the builtin catalog.
const (
	TypeSetpointSensorPair = "SetpointSensorPair"
	TypeSetpointProfile    = "SetpointProfile"
	TypePid                = "Pid"
	TypeActuatorPwm        = "ActuatorPwm"
	TypeDigitalActuator    = "DigitalActuator"
	TypeMutex              = "Mutex"
	TypeTempSensorOneWire  = "TempSensorOneWire"
	TypeTempSensorMock     = "TempSensorMock"
	TypeInactiveObject     = "InactiveObject"

	// Interface types used as link constraints.
	InterfaceTempSensor      = "TempSensorInterface"
	InterfaceSetpoint        = "SetpointSensorPairInterface"
	InterfaceActuatorAnalog  = "ActuatorAnalogInterface"
	InterfaceActuatorDigital = "ActuatorDigitalInterface"
	InterfaceIoArray         = "IoArrayInterface"
	InterfaceProcessValue    = "ProcessValueInterface"
)

// Builtin returns the compiled-in block specs.
func Builtin() []Spec {
	return []Spec{
		{
			Type:  TypeSetpointSensorPair,
			Title: "Setpoint",
			Role:  "Process",
			Fields: []Field{
				{Key: "sensorId", Title: "Linked Sensor", Kind: KindLink, LinkType: InterfaceTempSensor},
				{Key: "storedSetting", Title: "Setting", Kind: KindQuantity, Default: blocks.Temp(20.0)},
				{Key: "settingEnabled", Title: "Enabled", Kind: KindBool, Default: true},
				{Key: "filterThreshold", Title: "Fast step threshold", Kind: KindQuantity, Default: blocks.DeltaTemp(5.0)},
				{Key: "filter", Title: "Filter period", Kind: KindString, Default: "FILTER_15s"},
				{Key: "setting", Title: "Effective setting", Kind: KindQuantity, Readonly: true, Default: blocks.Temp(nil)},
				{Key: "value", Title: "Sensor value", Kind: KindQuantity, Readonly: true, Default: blocks.Temp(nil)},
			},
			Defaults: map[string]any{"resetFilter": false, "valueUnfiltered": blocks.Temp(nil)},
		},
		{
			Type:  TypeSetpointProfile,
			Title: "Setpoint Profile",
			Role:  "Process",
			Fields: []Field{
				{Key: "enabled", Title: "Enabled", Kind: KindBool, Default: true},
				{Key: "start", Title: "Start Time", Kind: KindDatetime, Default: 0.0},
				{Key: "targetId", Title: "Target", Kind: KindLink, LinkType: InterfaceSetpoint},
			},
			Presets: []Preset{
				{Name: "Empty profile", Data: map[string]any{"points": []any{}, "enabled": true}},
			},
			Defaults: map[string]any{
				"points":         []any{},
				"enabled":        false,
				"drivenTargetId": blocks.NullLink("").Value(),
			},
		},
		{
			Type:  TypePid,
			Title: "PID",
			Role:  "Control",
			Fields: []Field{
				{Key: "enabled", Title: "Enabled", Kind: KindBool, Default: false},
				{Key: "inputId", Title: "Input", Kind: KindLink, LinkType: InterfaceSetpoint},
				{Key: "outputId", Title: "Output", Kind: KindLink, LinkType: InterfaceActuatorAnalog},
				{Key: "kp", Title: "Proportional gain Kp", Kind: KindQuantity, Default: blocks.InverseTemp(0.0)},
				{Key: "ti", Title: "Integral time constant Ti", Kind: KindDuration, Default: blocks.Duration("0s")},
				{Key: "td", Title: "Derivative time constant Td", Kind: KindDuration, Default: blocks.Duration("0s")},
				{Key: "boilPointAdjust", Title: "Boil point adjust", Kind: KindQuantity, Default: blocks.DeltaTemp(0.0)},
				{Key: "boilMinOutput", Title: "Boil min output", Kind: KindNumber, Default: 0.0},
			},
			Presets: []Preset{
				{Name: "Fermentation (glycol)", Data: map[string]any{
					"kp": blocks.InverseTemp(-20.0),
					"ti": blocks.Duration("2h"),
					"td": blocks.Duration("10m"),
				}},
				{Name: "Kettle", Data: map[string]any{
					"kp": blocks.InverseTemp(10.0),
					"ti": blocks.Duration("10m"),
					"td": blocks.Duration("30s"),
				}},
			},
		},
		{
			Type:  TypeActuatorPwm,
			Title: "PWM",
			Role:  "Output",
			Fields: []Field{
				{Key: "enabled", Title: "Enabled", Kind: KindBool, Default: true},
				{Key: "actuatorId", Title: "Target", Kind: KindLink, LinkType: InterfaceActuatorDigital},
				{Key: "period", Title: "Period", Kind: KindDuration, Default: blocks.Duration("4s")},
				{Key: "desiredSetting", Title: "Duty Setting", Kind: KindNumber, Default: 0.0},
			},
			Defaults: map[string]any{
				"setting":          0.0,
				"value":            0.0,
				"drivenActuatorId": blocks.NullLink("").Value(),
				"constrainedBy":    map[string]any{"constraints": []any{}},
			},
		},
		{
			Type:  TypeDigitalActuator,
			Title: "Digital Actuator",
			Role:  "Output",
			Fields: []Field{
				{Key: "hwDevice", Title: "Target", Kind: KindLink, LinkType: InterfaceIoArray},
				{Key: "channel", Title: "Channel", Kind: KindNumber, Default: 0.0},
				{Key: "invert", Title: "Invert", Kind: KindBool, Default: false},
				{Key: "desiredState", Title: "State", Kind: KindString, Default: "STATE_INACTIVE"},
			},
			Defaults: map[string]any{
				"state":         "STATE_INACTIVE",
				"constrainedBy": map[string]any{"constraints": []any{}},
			},
		},
		{
			Type:  TypeMutex,
			Title: "Mutex",
			Role:  "Constraint",
			Fields: []Field{
				{Key: "differentActuatorWait", Title: "Minimum idle time", Kind: KindDuration, Default: blocks.Duration("0s")},
			},
			Defaults: map[string]any{"waitRemaining": blocks.Duration("0s")},
		},
		{
			Type:  TypeTempSensorOneWire,
			Title: "OneWire Temp Sensor",
			Role:  "Process",
			Fields: []Field{
				{Key: "address", Title: "Address", Kind: KindString, Readonly: true},
				{Key: "offset", Title: "Offset", Kind: KindQuantity, Default: blocks.DeltaTemp(0.0)},
				{Key: "value", Title: "Sensor value", Kind: KindQuantity, Readonly: true, Default: blocks.Temp(nil)},
			},
		},
		{
			Type:  TypeTempSensorMock,
			Title: "Temp Sensor (Mock)",
			Role:  "Process",
			Fields: []Field{
				{Key: "setting", Title: "Setting", Kind: KindQuantity, Default: blocks.Temp(20.0)},
				{Key: "connected", Title: "Connected", Kind: KindBool, Default: true},
			},
			Defaults: map[string]any{"fluctuations": []any{}},
		},
		{
			Type:  TypeInactiveObject,
			Title: "Inactive Block",
			Fields: []Field{
				{Key: "actualType", Title: "Actual type", Kind: KindString, Readonly: true},
			},
		},
	}
}
