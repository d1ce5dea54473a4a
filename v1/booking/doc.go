// Package booking is the flight-booking domain guarded by the lock layer:
// airport reference data served through the stampede-protected cache, and
// seats whose status changes run under a per-seat cluster lock.
package booking
