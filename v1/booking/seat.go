package booking

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bobg/errors"
)

// SeatStatus is the reservation state of a seat.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatReserved  SeatStatus = "reserved"
	SeatOccupied  SeatStatus = "occupied"
	SeatBlocked   SeatStatus = "blocked"
)

// SeatClass is the cabin class of a seat.
type SeatClass string

const (
	Economy        SeatClass = "economy"
	PremiumEconomy SeatClass = "premium_economy"
	Business       SeatClass = "business"
	First          SeatClass = "first"
)

var (
	ErrSeatNotFound    = errors.New("booking: seat not found")
	ErrInvalidSeat     = errors.New("booking: invalid seat")
	ErrSeatUnavailable = errors.New("booking: seat not available for reservation")
	ErrSeatNotReserved = errors.New("booking: seat must be reserved before occupying")
	ErrSeatBlocked     = errors.New("booking: seat is blocked")
	ErrSeatNotBlocked  = errors.New("booking: seat is not blocked")
)

// Seat is one seat on one flight. Its status changes only through the
// transition methods.
type Seat struct {
	FlightID    string     `json:"flightId"`
	Row         int        `json:"row"`
	Column      string     `json:"column"`
	Class       SeatClass  `json:"class"`
	Status      SeatStatus `json:"status"`
	ReservedBy  string     `json:"reservedBy,omitempty"`
	ReservedAt  *time.Time `json:"reservedAt,omitempty"`
	BlockReason string     `json:"blockReason,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewSeat returns an available seat.
func NewSeat(flightID string, row int, column string, class SeatClass) (Seat, error) {
	if flightID == "" {
		return Seat{}, errors.Wrap(ErrInvalidSeat, "flight id is required")
	}
	if row <= 0 {
		return Seat{}, errors.Wrapf(ErrInvalidSeat, "row %d must be positive", row)
	}
	if len(column) != 1 || column[0] < 'A' || column[0] > 'Z' {
		return Seat{}, errors.Wrapf(ErrInvalidSeat, "column %q must be one uppercase letter", column)
	}
	if class == "" {
		class = Economy
	}
	return Seat{FlightID: flightID, Row: row, Column: column, Class: class, Status: SeatAvailable}, nil
}

// ParseSeatNumber splits a seat number such as "12A" into row and column.
func ParseSeatNumber(number string) (int, string, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if len(number) < 2 {
		return 0, "", errors.Wrapf(ErrInvalidSeat, "seat number %q", number)
	}
	col := number[len(number)-1:]
	row, err := strconv.Atoi(number[:len(number)-1])
	if err != nil || row <= 0 || col[0] < 'A' || col[0] > 'Z' {
		return 0, "", errors.Wrapf(ErrInvalidSeat, "seat number %q", number)
	}
	return row, col, nil
}

// Number returns the seat number, e.g. "12A".
func (s Seat) Number() string { return fmt.Sprintf("%d%s", s.Row, s.Column) }

// ID returns the identifier of the seat across flights.
func (s Seat) ID() string { return s.FlightID + "-" + s.Number() }

// Reserve marks an available seat as reserved by userID.
func (s *Seat) Reserve(userID string, now time.Time) error {
	if s.Status != SeatAvailable {
		return errors.Wrapf(ErrSeatUnavailable, "seat %s is %s", s.Number(), s.Status)
	}
	if userID == "" {
		return errors.Wrap(ErrInvalidSeat, "user id is required")
	}
	s.Status = SeatReserved
	s.ReservedBy = userID
	s.ReservedAt = &now
	return nil
}

// Occupy checks a reserved passenger in.
func (s *Seat) Occupy() error {
	if s.Status != SeatReserved {
		return errors.Wrapf(ErrSeatNotReserved, "seat %s is %s", s.Number(), s.Status)
	}
	s.Status = SeatOccupied
	return nil
}

// Release makes the seat available again. Blocked seats must be unblocked
// instead.
func (s *Seat) Release() error {
	if s.Status == SeatBlocked {
		return errors.Wrapf(ErrSeatBlocked, "seat %s cannot be released", s.Number())
	}
	s.Status = SeatAvailable
	s.ReservedBy = ""
	s.ReservedAt = nil
	return nil
}

// Block takes the seat out of sale, dropping any reservation.
func (s *Seat) Block(reason string) {
	s.Status = SeatBlocked
	s.ReservedBy = ""
	s.ReservedAt = nil
	s.BlockReason = reason
}

// Unblock puts a blocked seat back on sale.
func (s *Seat) Unblock() error {
	if s.Status != SeatBlocked {
		return errors.Wrapf(ErrSeatNotBlocked, "seat %s is %s", s.Number(), s.Status)
	}
	s.Status = SeatAvailable
	s.BlockReason = ""
	return nil
}
