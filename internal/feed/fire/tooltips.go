package fire

import (
	"fmt"
	"strings"
)

var alarmLevels = map[string]string{
	"0": "Responding",
	"1": "Active/Confirmed",
	"2": "10-13 Vehicles",
	"3": "14-17 Vehicles",
	"4": "18-21 Vehicles",
	"5": "22-25 Vehicles",
	"6": "25-29 Vehicles",
}

// unitPrefixes maps call sign prefixes to vehicle types. Later entries
// are more specific and win.
var unitPrefixes = []struct{ prefix, kind string }{
	{"P", "Pumper"},
	{"R", "Rescue"},
	{"A", "Aerial"},
	{"T", "Tower"},
	{"S", "Squad"},
	{"C", "Chief"},
	{"AL", "Air/Light"},
	{"DC", "District Chief"},
	{"FI", "Fire Investigator"},
	{"FB", "Fire Boat"},
	{"HR", "Highrise"},
	{"HZ", "Heavy Hazmat"},
	{"PL", "Platform"},
	{"CMD", "Command"},
	{"WT", "Water Tanker"},
	{"DE", "Decontamination"},
	{"HS", "Hazmat Support"},
	{"TRS", "Trench Rescue"},
	{"SUP", "Canteen Vehicle"},
	{"BOX", "Canteen Vehicle"},
	{"REHAB", "Rehab Vehicle"},
}

// AlarmLevel describes an alarm level.
func AlarmLevel(level string) string {
	if d, ok := alarmLevels[strings.TrimSpace(level)]; ok {
		return d
	}
	return "Unrecognized"
}

// UnitKind describes the vehicle type of a call sign.
func UnitKind(unit string) string {
	kind := "Unrecognized vehicle type"
	unit = strings.TrimSpace(unit)
	for _, p := range unitPrefixes {
		if strings.HasPrefix(unit, p.prefix) {
			kind = p.kind
		}
	}
	return kind
}

// AlarmLevelHTML renders the level with its description as a tooltip.
func AlarmLevelHTML(level string) string {
	level = strings.TrimSpace(level)
	return fmt.Sprintf(`<span class="tooltip">&#x1F514; %s<span class="tooltiptext">%s</span></span>`, level, AlarmLevel(level))
}

// UnitsHTML renders a comma separated unit list with a tooltip per unit.
func UnitsHTML(units string) string {
	if strings.TrimSpace(units) == "" {
		return ""
	}
	parts := strings.Split(units, ",")
	for i, u := range parts {
		parts[i] = fmt.Sprintf(`<span class="tooltip">%s<span class="tooltiptext">%s</span></span>`, u, UnitKind(u))
	}
	return strings.Join(parts, ",")
}
