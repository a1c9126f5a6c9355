package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/repo"
)

// Neo4jStore keeps vehicles as (:Vehicle) nodes keyed by vin. The full record
// is stored as JSON in the payload property; the filterable fields are
// duplicated as scalar properties. Each vehicle is linked to its make with
// (:Vehicle)-[:OF_MAKE]->(:Make).
type Neo4jStore struct {
	repo *repo.Neo4jRepo[domain.CanonicalVehicle, string]
}

// NewNeo4jStore creates a store on driver.
func NewNeo4jStore(driver neo4j.DriverWithContext) *Neo4jStore {
	return &Neo4jStore{repo: repo.NewNeo4jRepo[domain.CanonicalVehicle, string](
		driver,
		"Vehicle",
		vehicleToMap,
		vehicleFromRecord,
		repo.WithIDKey[domain.CanonicalVehicle, string]("vin"),
		repo.WithOrderBy[domain.CanonicalVehicle, string]("created_at"),
	)}
}

func (s *Neo4jStore) Get(ctx context.Context, vin string) (domain.CanonicalVehicle, error) {
	v, err := s.repo.Get(ctx, vin)
	if errors.Is(err, repo.ErrNotFound) {
		return v, fmt.Errorf("inventory: %s: %w", vin, domain.ErrVehicleNotFound)
	}
	return v, err
}

func (s *Neo4jStore) Put(ctx context.Context, v domain.CanonicalVehicle) error {
	if _, err := s.repo.Upsert(ctx, v); err != nil {
		return fmt.Errorf("inventory: put %s: %w", v.VIN, err)
	}
	if err := s.repo.Exec(ctx, linkMakeCypher, map[string]any{"vin": v.VIN, "make": v.Make}); err != nil {
		return fmt.Errorf("inventory: link make %s: %w", v.VIN, err)
	}
	return nil
}

const linkMakeCypher = `MATCH (n:Vehicle {vin: $vin})
OPTIONAL MATCH (n)-[old:OF_MAKE]->()
DELETE old
WITH n
MERGE (mk:Make {name: $make})
MERGE (n)-[:OF_MAKE]->(mk)`

func (s *Neo4jStore) Delete(ctx context.Context, vin string) error {
	err := s.repo.Delete(ctx, vin)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("inventory: %s: %w", vin, domain.ErrVehicleNotFound)
	}
	return err
}

func (s *Neo4jStore) List(ctx context.Context, q Query) ([]domain.CanonicalVehicle, error) {
	cypher, params := searchCypher(q)
	vs, err := s.repo.Query(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("inventory: list: %w", err)
	}
	if vs == nil {
		vs = []domain.CanonicalVehicle{}
	}
	return vs, nil
}

// searchCypher builds a parameterised MATCH for q.
func searchCypher(q Query) (string, map[string]any) {
	var conds []string
	params := map[string]any{"offset": q.Offset, "limit": q.Limit}
	if q.Limit <= 0 {
		params["limit"] = repo.DefaultLimit
	}
	if q.Status != "" {
		conds = append(conds, "n.status = $status")
		params["status"] = string(q.Status)
	}
	if q.Make != "" {
		conds = append(conds, "toLower(n.make) CONTAINS $make")
		params["make"] = strings.ToLower(q.Make)
	}
	if q.Model != "" {
		conds = append(conds, "toLower(n.model) CONTAINS $model")
		params["model"] = strings.ToLower(q.Model)
	}
	if q.Year != 0 {
		conds = append(conds, "n.year = $year")
		params["year"] = int64(q.Year)
	}
	if q.MinPrice != nil {
		conds = append(conds, "n.price >= $min_price")
		params["min_price"] = *q.MinPrice
	}
	if q.MaxPrice != nil {
		conds = append(conds, "n.price <= $max_price")
		params["max_price"] = *q.MaxPrice
	}

	var b strings.Builder
	b.WriteString("MATCH (n:Vehicle)")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" RETURN n ORDER BY n.created_at, n.vin SKIP $offset LIMIT $limit")
	return b.String(), params
}

// sortableTime keeps every fraction digit so the strings order like the times.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func vehicleToMap(v domain.CanonicalVehicle) map[string]any {
	payload, _ := json.Marshal(v)
	m := map[string]any{
		"vin":        v.VIN,
		"year":       int64(v.Year),
		"make":       v.Make,
		"model":      v.Model,
		"status":     string(v.Status),
		"source":     v.Source,
		"created_at": v.CreatedAt.UTC().Format(sortableTime),
		"updated_at": v.UpdatedAt.UTC().Format(sortableTime),
		"payload":    string(payload),
	}
	if v.Price != nil {
		m["price"] = *v.Price
	}
	return m
}

func vehicleFromRecord(rec *neo4j.Record) (domain.CanonicalVehicle, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.CanonicalVehicle{}, err
	}
	payload, ok := node.Props["payload"].(string)
	if !ok {
		return domain.CanonicalVehicle{}, fmt.Errorf("inventory: vehicle node %v has no payload", node.Props["vin"])
	}
	var v domain.CanonicalVehicle
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return domain.CanonicalVehicle{}, fmt.Errorf("inventory: decode vehicle %v: %w", node.Props["vin"], err)
	}
	return v, nil
}
