// Package geoindex implements the station geo index (spec C10): a Redis
// geo-sorted set of station coordinates plus a per-station metadata entry
// (the whole station JSON-encoded into one string key, not a Redis hash),
// queried by C12 to find candidates within a search radius. Metadata
// fetches for a result set are fanned out concurrently via
// golang.org/x/sync/errgroup, grounded on the same concurrency shape used
// elsewhere in the pack for parallel batch reads.
package geoindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
)

const (
	geoKey = "geoindex:stations"

	// metadataTTL bounds how long a station's cached metadata entry is
	// trusted before a fresh C2 read is required.
	metadataTTL = 24 * time.Hour
)

func metadataKey(stationID string) string { return fmt.Sprintf("geoindex:station:%s", stationID) }

// Index wraps the KV store's geo and string primitives for station lookups.
type Index struct {
	store *kvstore.Store
}

// New constructs an Index.
func New(store *kvstore.Store) *Index {
	return &Index{store: store}
}

// Add indexes a single station's coordinates and metadata.
func (i *Index) Add(ctx context.Context, st models.Station) error {
	if err := i.store.GeoAdd(ctx, geoKey, kvstore.GeoMember{Name: st.ID, Longitude: st.Longitude, Latitude: st.Latitude}); err != nil {
		return err
	}
	return i.setMetadata(ctx, st)
}

// BatchAdd indexes many stations, used by the initial populator and by
// periodic re-sync jobs.
func (i *Index) BatchAdd(ctx context.Context, stations []models.Station) error {
	members := make([]kvstore.GeoMember, 0, len(stations))
	for _, st := range stations {
		members = append(members, kvstore.GeoMember{Name: st.ID, Longitude: st.Longitude, Latitude: st.Latitude})
	}
	if len(members) > 0 {
		if err := i.store.GeoAdd(ctx, geoKey, members...); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range stations {
		st := st
		g.Go(func() error { return i.setMetadata(gctx, st) })
	}
	return g.Wait()
}

// Remove drops a station from the geo index and its metadata entry.
func (i *Index) Remove(ctx context.Context, stationID string) error {
	if err := i.store.GeoRemove(ctx, geoKey, stationID); err != nil {
		return err
	}
	return i.store.Del(ctx, metadataKey(stationID))
}

// Query returns station IDs with their distance, within radiusKm of
// (lat, lng), nearest first, capped at limit.
func (i *Index) Query(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]kvstore.GeoSearchResult, error) {
	return i.store.GeoRadius(ctx, geoKey, lng, lat, radiusKm, limit)
}

// BatchGetMetadata fetches cached metadata for each station ID concurrently.
// Station IDs with no cached (or expired) metadata are simply omitted from
// the result map; callers fall back to C2 for those.
func (i *Index) BatchGetMetadata(ctx context.Context, stationIDs []string) (map[string]models.Station, error) {
	type pair struct {
		id string
		st models.Station
		ok bool
	}

	results := make([]pair, len(stationIDs))
	g, gctx := errgroup.WithContext(ctx)
	for idx, id := range stationIDs {
		idx, id := idx, id
		g.Go(func() error {
			st, ok, err := i.getMetadata(gctx, id)
			if err != nil {
				return err
			}
			results[idx] = pair{id: id, st: st, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]models.Station, len(stationIDs))
	for _, r := range results {
		if r.ok {
			out[r.id] = r.st
		}
	}
	return out, nil
}

func (i *Index) setMetadata(ctx context.Context, st models.Station) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("geoindex: encoding station metadata: %w", err)
	}
	if err := i.store.SetEX(ctx, metadataKey(st.ID), raw, metadataTTL); err != nil {
		return err
	}
	return nil
}

func (i *Index) getMetadata(ctx context.Context, stationID string) (models.Station, bool, error) {
	raw, err := i.store.Get(ctx, metadataKey(stationID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return models.Station{}, false, nil
		}
		return models.Station{}, false, err
	}
	var st models.Station
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return models.Station{}, false, fmt.Errorf("geoindex: decoding station metadata: %w", err)
	}
	return st, true, nil
}
