package booking

import (
	"context"
	"time"

	"github.com/bobg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

const defaultGormOpTimeout = 5 * time.Second

type airportRow struct {
	Code         string `gorm:"primaryKey;size:3"`
	OfficialName string
	CommonName   string
	CityName     string
	CountryName  string
}

func (airportRow) TableName() string { return "airports" }

type seatRow struct {
	ID          string `gorm:"primaryKey"`
	FlightID    string `gorm:"index:idx_seat_flight_number,unique"`
	Number      string `gorm:"index:idx_seat_flight_number,unique"`
	Row         int
	Column      string
	Class       string
	Status      string
	ReservedBy  string
	ReservedAt  *time.Time
	BlockReason string
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (seatRow) TableName() string { return "seats" }

// GormOption configures the GORM repositories.
type GormOption func(*gormOptions)

type gormOptions struct {
	timeout time.Duration
}

// WithGormTimeout bounds every database call.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormOptions) { o.timeout = d }
}

func buildGormOptions(opts []GormOption) gormOptions {
	o := gormOptions{timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// mapGormErr turns deadline errors into ErrTimeout and leaves the rest
// untouched.
func mapGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rlerrors.ErrTimeout
	}
	return err
}

// GormAirports is an AirportRepository on a SQL database.
type GormAirports struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormAirports migrates the airports table and returns the repository.
func NewGormAirports(db *gorm.DB, opts ...GormOption) (*GormAirports, error) {
	if err := db.AutoMigrate(&airportRow{}); err != nil {
		return nil, errors.Wrap(err, "migrating airports")
	}
	return &GormAirports{db: db, timeout: buildGormOptions(opts).timeout}, nil
}

// FindByCode implements AirportRepository.FindByCode.
func (r *GormAirports) FindByCode(ctx context.Context, code string) (Airport, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var row airportRow
	err := r.db.WithContext(cctx).First(&row, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Airport{}, errors.Wrapf(ErrAirportNotFound, "code %s", code)
	}
	if err != nil {
		return Airport{}, mapGormErr(err)
	}
	return Airport(row), nil
}

// Save implements AirportRepository.Save.
func (r *GormAirports) Save(ctx context.Context, a Airport) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := airportRow(a)
	err := r.db.WithContext(cctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return mapGormErr(err)
}

// GormSeats is a SeatRepository on a SQL database.
type GormSeats struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewGormSeats migrates the seats table and returns the repository.
func NewGormSeats(db *gorm.DB, opts ...GormOption) (*GormSeats, error) {
	if err := db.AutoMigrate(&seatRow{}); err != nil {
		return nil, errors.Wrap(err, "migrating seats")
	}
	return &GormSeats{db: db, timeout: buildGormOptions(opts).timeout}, nil
}

// FindByNumber implements SeatRepository.FindByNumber.
func (r *GormSeats) FindByNumber(ctx context.Context, flightID, number string) (Seat, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var row seatRow
	err := r.db.WithContext(cctx).First(&row, "flight_id = ? AND number = ?", flightID, number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Seat{}, errors.Wrapf(ErrSeatNotFound, "seat %s on flight %s", number, flightID)
	}
	if err != nil {
		return Seat{}, mapGormErr(err)
	}
	return Seat{
		FlightID:    row.FlightID,
		Row:         row.Row,
		Column:      row.Column,
		Class:       SeatClass(row.Class),
		Status:      SeatStatus(row.Status),
		ReservedBy:  row.ReservedBy,
		ReservedAt:  row.ReservedAt,
		BlockReason: row.BlockReason,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// Save implements SeatRepository.Save.
func (r *GormSeats) Save(ctx context.Context, s Seat) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := seatRow{
		ID:          s.ID(),
		FlightID:    s.FlightID,
		Number:      s.Number(),
		Row:         s.Row,
		Column:      s.Column,
		Class:       string(s.Class),
		Status:      string(s.Status),
		ReservedBy:  s.ReservedBy,
		ReservedAt:  s.ReservedAt,
		BlockReason: s.BlockReason,
		UpdatedAt:   s.UpdatedAt,
	}
	err := r.db.WithContext(cctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return mapGormErr(err)
}
