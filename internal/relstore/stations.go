package relstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/chargeflow/evcore/internal/models"
)

const stationColumns = `id, latitude, longitude, name, power_kw, plugs, availability_status, ` +
	`operator_name, address, city, state, pricing_info, amenities`

func scanStation(row pgx.Row) (models.Station, error) {
	var s models.Station
	var plugsRaw []byte
	err := row.Scan(&s.ID, &s.Latitude, &s.Longitude, &s.Name, &s.PowerKW, &plugsRaw, &s.AvailabilityStatus,
		&s.OperatorName, &s.Address, &s.City, &s.State, &s.PricingInfo, &s.Amenities)
	if err != nil {
		return models.Station{}, err
	}
	if len(plugsRaw) > 0 {
		if err := json.Unmarshal(plugsRaw, &s.Plugs); err != nil {
			return models.Station{}, err
		}
	}
	return s, nil
}

// FindStationsWithinRadius is the C2 fallback used by C12 step 5 when the
// geo index (C10) holds no members for the search zone: a plain haversine
// distance computed in SQL, ordered nearest-first and bounded by limit.
func (s *Store) FindStationsWithinRadius(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Station, error) {
	const haversineKm = `6371.0088 * acos(
		LEAST(1, GREATEST(-1,
			cos(radians($1)) * cos(radians(latitude)) * cos(radians(longitude) - radians($2))
			+ sin(radians($1)) * sin(radians(latitude))
		))
	)`

	rows, err := s.Pool.Query(ctx, `
		SELECT `+stationColumns+`, (`+haversineKm+`) AS dist_km
		FROM stations
		WHERE latitude BETWEEN $1 - ($3 / 111.045) AND $1 + ($3 / 111.045)
		  AND longitude BETWEEN $2 - ($3 / (111.045 * cos(radians($1)))) AND $2 + ($3 / (111.045 * cos(radians($1))))
		  AND (`+haversineKm+`) <= $3
		ORDER BY dist_km ASC
		LIMIT $4`,
		lat, lng, radiusKm, limit)
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()

	var out []models.Station
	for rows.Next() {
		var st models.Station
		var plugsRaw []byte
		var distKm float64
		if err := rows.Scan(&st.ID, &st.Latitude, &st.Longitude, &st.Name, &st.PowerKW, &plugsRaw,
			&st.AvailabilityStatus, &st.OperatorName, &st.Address, &st.City, &st.State,
			&st.PricingInfo, &st.Amenities, &distKm); err != nil {
			return nil, TranslateError(err)
		}
		if len(plugsRaw) > 0 {
			if err := json.Unmarshal(plugsRaw, &st.Plugs); err != nil {
				return nil, TranslateError(err)
			}
		}
		out = append(out, st)
	}
	return out, TranslateError(rows.Err())
}

// GetStationByID fetches a single station row by id, used to seed the geo
// index (C10) and to resolve metadata on demand.
func (s *Store) GetStationByID(ctx context.Context, id string) (models.Station, error) {
	row := s.Pool.QueryRow(ctx, "SELECT "+stationColumns+" FROM stations WHERE id = $1", id)
	st, err := scanStation(row)
	if err != nil {
		return models.Station{}, TranslateError(err)
	}
	return st, nil
}

// ListAllStations streams every station row, used by the geo-index populator.
func (s *Store) ListAllStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.Pool.Query(ctx, "SELECT "+stationColumns+" FROM stations")
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()

	var out []models.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, TranslateError(err)
		}
		out = append(out, st)
	}
	return out, TranslateError(rows.Err())
}
