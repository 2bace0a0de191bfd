package cache

import "fmt"

func KeySeatLock(tripID, seatID string) string {
	return fmt.Sprintf("seat_lock:%s:%s", tripID, seatID)
}

func KeyRoute(routeID string) string {
	return fmt.Sprintf("route:%s", routeID)
}
