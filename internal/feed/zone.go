package feed

import "time"

// Local is the zone the Toronto feeds report wall-clock times in.
var Local = func() *time.Location {
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}()
