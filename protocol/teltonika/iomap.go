package teltonika

import "fmt"

// ioNames maps AVL I/O element ids to sensor keys, covering the
// standard ids of the FMB/FMC/FMM families.  Unknown ids become
// "io_<id>".
var ioNames = map[int]string{
	// Digital / analog inputs
	1:  "din1",
	2:  "din2",
	3:  "din3",
	4:  "din4",
	9:  "adc1",
	10: "adc2",

	// Identification
	11: "iccid1",
	14: "iccid2",

	// Fuel / engine
	12:  "fuel_used",
	13:  "fuel_consumption",
	30:  "fault_count",
	31:  "engine_load",
	32:  "coolant_temp",
	36:  "rpm",
	89:  "fuel_level_percent",
	115: "engine_temp",

	// Motion / position
	16:  "odometer",
	17:  "axis_x",
	18:  "axis_y",
	19:  "axis_z",
	24:  "speed",
	199: "trip_odometer",

	// GSM / network
	21:  "gsm_signal",
	205: "cell_id",
	206: "lac",
	236: "active_gsm_operator",
	241: "gsm_operator",
	244: "roaming",
	636: "cell_id_4g",

	// Power / battery
	66:  "external_voltage",
	67:  "battery_voltage",
	68:  "battery_current",
	113: "battery_level_percent",

	// GNSS quality
	69:  "gnss_status",
	181: "pdop",
	182: "hdop",

	// Dallas / 1-Wire temperature
	72: "temp1",
	73: "temp2",
	74: "temp3",
	75: "temp4",

	// OBD-II
	81: "obd_speed",
	82: "throttle",
	83: "fuel_used_obd",
	84: "fuel_level_obd",
	85: "rpm_obd",
	87: "odometer_obd",

	// Device state
	70:  "pcb_temp",
	80:  "data_mode",
	200: "sleep_mode",

	// Digital outputs
	179: "dout1",
	180: "dout2",

	// Events / flags
	239: "ignition",
	240: "movement",
	246: "towing",
	247: "crash_detection",
	248: "immobilizer",
	249: "jamming",
	250: "trip_event",

	// BLE sensors
	25:  "ble_temp1",
	26:  "ble_temp2",
	27:  "ble_temp3",
	28:  "ble_temp4",
	29:  "ble_humidity1",
	86:  "ble_fuel_level",
	90:  "ble_luminosity",
	94:  "ble_battery1",
	95:  "ble_battery2",
	96:  "ble_battery3",
	97:  "ble_battery4",
	105: "ble_humidity1_alt",
	106: "ble_humidity2_alt",
	107: "ble_humidity3_alt",
	108: "ble_humidity4_alt",
	110: "ble_battery_level",
	121: "ble_sensor_temp1",

	// CAN / LV-CAN
	662: "door",
}

// ioMultipliers converts raw integer values to engineering units.
// Voltages arrive in millivolts, temperatures in tenths of a degree.
var ioMultipliers = map[int]float64{
	// Voltages -> V
	9:  0.001,
	10: 0.001,
	66: 0.001,
	67: 0.001,
	68: 0.001,
	// Temperatures -> degrees C
	70:  0.1,
	72:  0.1,
	73:  0.1,
	74:  0.1,
	75:  0.1,
	83:  0.1,
	84:  0.1,
	110: 0.1,
	115: 0.1,
	121: 0.1,
	// DOP
	181: 0.1,
	182: 0.1,
	// Fuel consumption -> L/100 km
	13: 0.01,
	// BLE humidity -> %
	29: 0.01,
}

func ioName(id int) string {
	if name, ok := ioNames[id]; ok {
		return name
	}
	return fmt.Sprintf("io_%d", id)
}

// ioValue applies the engineering-unit multiplier where one is
// defined.  Raw counters stay integral.
func ioValue(id int, raw uint64) any {
	if m, ok := ioMultipliers[id]; ok {
		return float64(raw) * m
	}
	return raw
}
