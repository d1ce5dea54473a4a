package booking

import (
	"testing"
	"time"

	"github.com/bobg/errors"
)

func TestSeatTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		from    SeatStatus
		apply   func(*Seat) error
		want    SeatStatus
		wantErr error
	}{
		{"reserve available", SeatAvailable, func(s *Seat) error { return s.Reserve("u1", now) }, SeatReserved, nil},
		{"reserve reserved", SeatReserved, func(s *Seat) error { return s.Reserve("u2", now) }, SeatReserved, ErrSeatUnavailable},
		{"reserve blocked", SeatBlocked, func(s *Seat) error { return s.Reserve("u2", now) }, SeatBlocked, ErrSeatUnavailable},
		{"occupy reserved", SeatReserved, (*Seat).Occupy, SeatOccupied, nil},
		{"occupy available", SeatAvailable, (*Seat).Occupy, SeatAvailable, ErrSeatNotReserved},
		{"release occupied", SeatOccupied, (*Seat).Release, SeatAvailable, nil},
		{"release blocked", SeatBlocked, (*Seat).Release, SeatBlocked, ErrSeatBlocked},
		{"block reserved", SeatReserved, func(s *Seat) error { s.Block("maintenance"); return nil }, SeatBlocked, nil},
		{"unblock blocked", SeatBlocked, (*Seat).Unblock, SeatAvailable, nil},
		{"unblock available", SeatAvailable, (*Seat).Unblock, SeatAvailable, ErrSeatNotBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewSeat("VN123", 12, "A", Economy)
			if err != nil {
				t.Fatal(err)
			}
			s.Status = tc.from
			err = tc.apply(&s)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if s.Status != tc.want {
				t.Fatalf("status %s, want %s", s.Status, tc.want)
			}
		})
	}
}

func TestSeatReserveRecordsHolder(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, _ := NewSeat("VN123", 1, "C", Business)
	if err := s.Reserve("user-7", now); err != nil {
		t.Fatal(err)
	}
	if s.ReservedBy != "user-7" || s.ReservedAt == nil || !s.ReservedAt.Equal(now) {
		t.Fatalf("reservation not recorded: %+v", s)
	}
	s.Block("broken recline")
	if s.ReservedBy != "" || s.ReservedAt != nil || s.BlockReason != "broken recline" {
		t.Fatalf("block must drop the reservation: %+v", s)
	}
	if err := s.Unblock(); err != nil || s.BlockReason != "" {
		t.Fatalf("unblock: %v %+v", err, s)
	}
}

func TestParseSeatNumber(t *testing.T) {
	row, col, err := ParseSeatNumber(" 12a ")
	if err != nil || row != 12 || col != "A" {
		t.Fatalf("got %d %q %v", row, col, err)
	}
	for _, bad := range []string{"", "A", "0A", "12", "A1", "-1A"} {
		if _, _, err := ParseSeatNumber(bad); !errors.Is(err, ErrInvalidSeat) {
			t.Errorf("%q: expected ErrInvalidSeat, got %v", bad, err)
		}
	}
	if _, err := NewSeat("VN1", 0, "A", Economy); !errors.Is(err, ErrInvalidSeat) {
		t.Errorf("row 0 accepted")
	}
	if _, err := NewSeat("VN1", 1, "a", Economy); !errors.Is(err, ErrInvalidSeat) {
		t.Errorf("lowercase column accepted")
	}
}

func TestNewAirport(t *testing.T) {
	a, err := NewAirport("sgn", "Tan Son Nhat International Airport", "Tan Son Nhat", "Ho Chi Minh City", "Vietnam")
	if err != nil {
		t.Fatal(err)
	}
	if a.Code != "SGN" {
		t.Fatalf("code not normalized: %s", a.Code)
	}
	if _, err := NewAirport("SG", "x", "x", "x", "x"); !errors.Is(err, ErrInvalidAirport) {
		t.Fatalf("short code accepted: %v", err)
	}
	if _, err := NewAirport("S1N", "x", "x", "x", "x"); !errors.Is(err, ErrInvalidAirport) {
		t.Fatalf("digit accepted: %v", err)
	}
	if _, err := NewAirport("HAN", "Noi Bai", " ", "Hanoi", "Vietnam"); !errors.Is(err, ErrInvalidAirport) {
		t.Fatalf("blank common name accepted: %v", err)
	}
}
