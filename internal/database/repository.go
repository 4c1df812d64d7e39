package database

import (
	"context"
	"encoding/json"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// FeaturesToJSON converts a features slice to its stored JSON form
func FeaturesToJSON(features []string) string {
	data, _ := json.Marshal(features)
	return string(data)
}

// JSONToFeatures converts a stored JSON array to a features slice
func JSONToFeatures(jsonStr string) []string {
	var features []string
	json.Unmarshal([]byte(jsonStr), &features)
	return features
}
