package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bobg/errors"

	"github.com/mirkobrombin/go-redlock/v1/core"
)

const (
	// SeatLockTTL bounds a single seat read-modify-write.
	SeatLockTTL = 5 * time.Second
	// SeatCacheTTL is how long seat lookups stay cached.
	SeatCacheTTL = time.Hour
)

// SeatRepository is the system of record for seats.
type SeatRepository interface {
	// FindByNumber returns ErrSeatNotFound (possibly wrapped) when the seat
	// does not exist.
	FindByNumber(ctx context.Context, flightID, number string) (Seat, error)
	Save(ctx context.Context, s Seat) error
}

// SeatKey returns both the cache key and the lock resource of a seat.
func SeatKey(flightID, number string) string { return "seat:" + flightID + ":" + number }

// SeatService changes seats under a per-seat cluster lock so that two API
// instances never interleave their read-modify-write cycles.
type SeatService struct {
	repo   SeatRepository
	mutex  *core.Mutex
	seats  *core.Coordinator[Seat]
	clock  clock.Clock
	logger *slog.Logger
}

// SeatServiceOption configures a SeatService.
type SeatServiceOption func(*SeatService)

// WithClock sets the clock used for reservation and update timestamps.
func WithClock(c clock.Clock) SeatServiceOption {
	return func(s *SeatService) { s.clock = c }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) SeatServiceOption {
	return func(s *SeatService) { s.logger = l }
}

// NewSeatService returns a SeatService.
func NewSeatService(repo SeatRepository, mutex *core.Mutex, seats *core.Coordinator[Seat], opts ...SeatServiceOption) *SeatService {
	s := &SeatService{repo: repo, mutex: mutex, seats: seats, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func canonical(number string) (string, error) {
	row, col, err := ParseSeatNumber(number)
	if err != nil {
		return "", err
	}
	return Seat{Row: row, Column: col}.Number(), nil
}

// Get returns a seat through the cache.
func (s *SeatService) Get(ctx context.Context, flightID, number string) (Seat, error) {
	number, err := canonical(number)
	if err != nil {
		return Seat{}, err
	}
	return s.seats.GetOrLoad(ctx, SeatKey(flightID, number), SeatCacheTTL, func(ctx context.Context) (Seat, error) {
		return s.repo.FindByNumber(ctx, flightID, number)
	})
}

// update loads the seat, applies change, saves it and drops the cached copy
// while holding the seat lock.
func (s *SeatService) update(ctx context.Context, flightID, number string, change func(*Seat) error) (Seat, error) {
	number, err := canonical(number)
	if err != nil {
		return Seat{}, err
	}
	key := SeatKey(flightID, number)
	return core.WithLock(ctx, s.mutex, []string{key}, SeatLockTTL, func(ctx context.Context) (Seat, error) {
		seat, err := s.repo.FindByNumber(ctx, flightID, number)
		if err != nil {
			return Seat{}, err
		}
		if err := change(&seat); err != nil {
			return Seat{}, err
		}
		seat.UpdatedAt = s.clock.Now()
		if err := s.repo.Save(ctx, seat); err != nil {
			return Seat{}, errors.Wrapf(err, "saving seat %s", key)
		}
		if err := s.seats.Invalidate(ctx, key); err != nil {
			s.logger.Warn("redlock: seat cache invalidation failed", "key", key, "error", err)
		}
		return seat, nil
	})
}

// Reserve reserves an available seat for userID. A seat that is not
// available yields ErrSeatUnavailable; lock contention yields an error
// matching lock.ErrLockNotAcquired.
func (s *SeatService) Reserve(ctx context.Context, flightID, number, userID string) (Seat, error) {
	return s.update(ctx, flightID, number, func(seat *Seat) error {
		return seat.Reserve(userID, s.clock.Now())
	})
}

// Occupy checks in the passenger of a reserved seat.
func (s *SeatService) Occupy(ctx context.Context, flightID, number string) (Seat, error) {
	return s.update(ctx, flightID, number, (*Seat).Occupy)
}

// ReleaseSeat cancels a reservation or occupation.
func (s *SeatService) ReleaseSeat(ctx context.Context, flightID, number string) (Seat, error) {
	return s.update(ctx, flightID, number, (*Seat).Release)
}

// Block takes a seat out of sale.
func (s *SeatService) Block(ctx context.Context, flightID, number, reason string) (Seat, error) {
	return s.update(ctx, flightID, number, func(seat *Seat) error {
		seat.Block(reason)
		return nil
	})
}

// Unblock puts a blocked seat back on sale.
func (s *SeatService) Unblock(ctx context.Context, flightID, number string) (Seat, error) {
	return s.update(ctx, flightID, number, (*Seat).Unblock)
}
