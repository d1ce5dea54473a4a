package booking

import (
	"context"
	"sync"

	"github.com/bobg/errors"
)

// InMemoryAirports is an AirportRepository backed by a map.
type InMemoryAirports struct {
	mu    sync.RWMutex
	items map[string]Airport
}

// NewInMemoryAirports returns a repository seeded with airports.
func NewInMemoryAirports(airports ...Airport) *InMemoryAirports {
	r := &InMemoryAirports{items: make(map[string]Airport, len(airports))}
	for _, a := range airports {
		r.items[a.Code] = a
	}
	return r
}

// FindByCode implements AirportRepository.FindByCode.
func (r *InMemoryAirports) FindByCode(ctx context.Context, code string) (Airport, error) {
	if err := ctx.Err(); err != nil {
		return Airport{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[code]
	if !ok {
		return Airport{}, errors.Wrapf(ErrAirportNotFound, "code %s", code)
	}
	return a, nil
}

// Save implements AirportRepository.Save.
func (r *InMemoryAirports) Save(ctx context.Context, a Airport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.items[a.Code] = a
	r.mu.Unlock()
	return nil
}

// InMemorySeats is a SeatRepository backed by a map.
type InMemorySeats struct {
	mu    sync.RWMutex
	items map[string]Seat
}

// NewInMemorySeats returns a repository seeded with seats.
func NewInMemorySeats(seats ...Seat) *InMemorySeats {
	r := &InMemorySeats{items: make(map[string]Seat, len(seats))}
	for _, s := range seats {
		r.items[s.ID()] = s
	}
	return r
}

// FindByNumber implements SeatRepository.FindByNumber.
func (r *InMemorySeats) FindByNumber(ctx context.Context, flightID, number string) (Seat, error) {
	if err := ctx.Err(); err != nil {
		return Seat{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[flightID+"-"+number]
	if !ok {
		return Seat{}, errors.Wrapf(ErrSeatNotFound, "seat %s on flight %s", number, flightID)
	}
	return s, nil
}

// Save implements SeatRepository.Save.
func (r *InMemorySeats) Save(ctx context.Context, s Seat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.items[s.ID()] = s
	r.mu.Unlock()
	return nil
}
