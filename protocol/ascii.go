package protocol

import (
	"strconv"
	"strings"
	"time"
)

// Helpers shared by the ASCII codecs.  The Chinese tracker protocols
// all encode coordinates as degrees and decimal minutes (DDMM.MMMM)
// and speeds in knots.

// KnotsToKmh converts nautical speed to km/h.
const KnotsToKmh = 1.852

// ParseDegMin converts a DDMM.MMMM / DDDMM.MMMM coordinate plus a
// hemisphere letter into signed decimal degrees.
func ParseDegMin(value, hemi string) (float64, bool) {
	value = strings.TrimSpace(value)
	dot := strings.IndexByte(value, '.')
	if dot < 3 {
		return 0, false
	}
	deg, err1 := strconv.ParseFloat(value[:dot-2], 64)
	mins, err2 := strconv.ParseFloat(value[dot-2:], 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	result := deg + mins/60.0
	switch strings.ToUpper(strings.TrimSpace(hemi)) {
	case "S", "W":
		result = -result
	case "N", "E":
	default:
		return 0, false
	}
	return result, true
}

// ParseTimeDate combines HHMMSS and DDMMYY fields into a UTC time.
func ParseTimeDate(timeStr, dateStr string) (time.Time, bool) {
	if len(timeStr) < 6 || len(dateStr) < 6 {
		return time.Time{}, false
	}
	hh, e1 := strconv.Atoi(timeStr[0:2])
	mm, e2 := strconv.Atoi(timeStr[2:4])
	ss, e3 := strconv.Atoi(timeStr[4:6])
	dd, e4 := strconv.Atoi(dateStr[0:2])
	mo, e5 := strconv.Atoi(dateStr[2:4])
	yy, e6 := strconv.Atoi(dateStr[4:6])
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil {
		return time.Time{}, false
	}
	if mo < 1 || mo > 12 || dd < 1 || dd > 31 || hh > 23 || mm > 59 || ss > 60 {
		return time.Time{}, false
	}
	return time.Date(2000+yy, time.Month(mo), dd, hh, mm, ss, 0, time.UTC), true
}

// Atof is a tolerant float parse returning a default on failure.
func Atof(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}

// Atoi is a tolerant int parse returning a default on failure.
func Atoi(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}
