package booking

import (
	"context"
	"strings"
	"time"

	"github.com/bobg/errors"

	"github.com/mirkobrombin/go-redlock/v1/core"
)

// AirportCacheTTL is how long airport lookups stay cached.
const AirportCacheTTL = time.Hour

var (
	// ErrAirportNotFound is returned when no airport has the requested code.
	ErrAirportNotFound = errors.New("booking: airport not found")
	// ErrInvalidAirport is returned for malformed airport data.
	ErrInvalidAirport = errors.New("booking: invalid airport")
)

// Airport is reference data that is read far more often than written.
type Airport struct {
	Code         string `json:"code"`
	OfficialName string `json:"officialName"`
	CommonName   string `json:"commonName"`
	CityName     string `json:"cityName"`
	CountryName  string `json:"countryName"`
}

// NormalizeCode upper-cases an IATA code and checks it is three letters.
func NormalizeCode(code string) (string, error) {
	if len(code) != 3 {
		return "", errors.Wrapf(ErrInvalidAirport, "code %q must be exactly 3 letters", code)
	}
	code = strings.ToUpper(code)
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", errors.Wrapf(ErrInvalidAirport, "code %q must contain only letters", code)
		}
	}
	return code, nil
}

// NewAirport validates its arguments and returns an Airport.
func NewAirport(code, officialName, commonName, cityName, countryName string) (Airport, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return Airport{}, err
	}
	a := Airport{
		Code:         code,
		OfficialName: strings.TrimSpace(officialName),
		CommonName:   strings.TrimSpace(commonName),
		CityName:     strings.TrimSpace(cityName),
		CountryName:  strings.TrimSpace(countryName),
	}
	for field, v := range map[string]string{
		"official name": a.OfficialName,
		"common name":   a.CommonName,
		"city name":     a.CityName,
		"country name":  a.CountryName,
	} {
		if v == "" {
			return Airport{}, errors.Wrapf(ErrInvalidAirport, "%s is required", field)
		}
	}
	return a, nil
}

// AirportRepository is the system of record for airports.
type AirportRepository interface {
	// FindByCode returns ErrAirportNotFound (possibly wrapped) when code is
	// unknown.
	FindByCode(ctx context.Context, code string) (Airport, error)
	Save(ctx context.Context, a Airport) error
}

// AirportKey returns the cache key of an airport.
func AirportKey(code string) string { return "airport:" + code }

// AirportService serves airport lookups through the stampede-protected
// cache.
type AirportService struct {
	repo  AirportRepository
	coord *core.Coordinator[Airport]
}

// NewAirportService returns an AirportService.
func NewAirportService(repo AirportRepository, coord *core.Coordinator[Airport]) *AirportService {
	return &AirportService{repo: repo, coord: coord}
}

// GetByCode returns the airport with the given code. Unknown codes yield
// ErrAirportNotFound and are not cached.
func (s *AirportService) GetByCode(ctx context.Context, code string) (Airport, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return Airport{}, err
	}
	return s.coord.GetOrLoad(ctx, AirportKey(code), AirportCacheTTL, func(ctx context.Context) (Airport, error) {
		return s.repo.FindByCode(ctx, code)
	})
}

// Save stores a and drops its cached copy.
func (s *AirportService) Save(ctx context.Context, a Airport) error {
	if err := s.repo.Save(ctx, a); err != nil {
		return errors.Wrapf(err, "saving airport %s", a.Code)
	}
	return s.coord.Invalidate(ctx, AirportKey(a.Code))
}
