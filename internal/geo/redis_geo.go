package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands. Driver positions live in
// one geo sorted set; availability, vehicle type and rating live in a
// per-driver hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) {
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":       fmt.Sprintf("%f", d.Rating),
		"online":       strconv.FormatBool(d.Online),
		"available":    strconv.FormatBool(d.Available),
		"vehicle_type": d.VehicleType,
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, vehicleType string, limit int) []models.Driver {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 4, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, limit)
	for _, g := range res {
		if len(out) >= limit {
			break
		}
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if v, ok := m["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				d.Rating = f
			}
		}
		d.Online = m["online"] == "true"
		d.Available = m["available"] == "true"
		d.VehicleType = m["vehicle_type"]
		if !d.Online || !d.Available {
			continue
		}
		if vehicleType != "" && d.VehicleType != vehicleType {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
