package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/gridjoin/utils"
)

// scene datetimes are stored in UTC with a fixed width so that the text
// ordering is the time ordering
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Scene is one acquisition of a collection.
type Scene struct {
	Collection string
	ID         string
	Datetime   time.Time
	BBox       *utils.BBox
	Properties map[string]interface{}
}

// AddScene indexes s, replacing any scene of the same collection and id.
func (c *Catalog) AddScene(ctx context.Context, s *Scene) error {
	if s.ID == "" || s.Collection == "" {
		return fmt.Errorf("scene needs an id and a collection")
	}
	if s.BBox == nil {
		return fmt.Errorf("scene %s: %w", s.ID, utils.ErrInvalidBBox)
	}
	if err := s.BBox.Validate(); err != nil {
		return fmt.Errorf("scene %s: %w", s.ID, err)
	}
	props := s.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	payload, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("scene %s properties: %w", s.ID, err)
	}

	_, err = c.db.ExecContext(ctx, c.rebind(`
		INSERT INTO scenes (collection, id, datetime, min_x, min_y, max_x, max_y, crs, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			datetime = excluded.datetime,
			min_x = excluded.min_x, min_y = excluded.min_y,
			max_x = excluded.max_x, max_y = excluded.max_y,
			crs = excluded.crs, properties = excluded.properties`),
		s.Collection, s.ID, s.Datetime.UTC().Format(storedTimeLayout),
		s.BBox.MinX, s.BBox.MinY, s.BBox.MaxX, s.BBox.MaxY, string(s.BBox.CRS), string(payload))
	if err != nil {
		return fmt.Errorf("add scene %s: %w", s.ID, err)
	}
	return nil
}

type sceneFilter struct {
	text string
	expr *goeval.EvaluableExpression
	vars []string
}

func parseFilter(text string) (*sceneFilter, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	expr, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return nil, fmt.Errorf("scene filter %q: %v", text, err)
	}
	f := &sceneFilter{text: text, expr: expr}
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		name, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("scene filter: variable token '%v' failed to cast string", token.Value)
		}
		f.vars = append(f.vars, name)
	}
	return f, nil
}

// match evaluates the filter with the scene properties as parameters.
// Scenes lacking a property the filter names never match.
func (f *sceneFilter) match(props map[string]interface{}) (bool, error) {
	if f == nil {
		return true, nil
	}
	params := make(map[string]interface{}, len(f.vars))
	for _, name := range f.vars {
		v, ok := props[name]
		if !ok || v == nil {
			return false, nil
		}
		params[name] = v
	}
	res, err := f.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	keep, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("scene filter %q is not a condition", f.text)
	}
	return keep, nil
}

// Search returns the scenes of collection intersecting bbox and acquired
// within [start, end], oldest first. filter is a condition over the scene
// properties such as "[eo:cloud_cover] < 20". Each result is shaped as a
// GeoJSON feature reduced to fields; properties.datetime is always kept.
func (c *Catalog) Search(ctx context.Context, collection string, bbox *utils.BBox, start, end time.Time, filter string, fields []string) ([]map[string]interface{}, error) {
	if bbox == nil {
		return nil, utils.ErrInvalidBBox
	}
	f, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, c.rebind(`
		SELECT id, datetime, min_x, min_y, max_x, max_y, crs, properties FROM scenes
		WHERE collection = ? AND crs = ?
			AND min_x < ? AND max_x > ? AND min_y < ? AND max_y > ?
			AND datetime >= ? AND datetime <= ?
		ORDER BY datetime, id`),
		collection, string(bbox.CRS),
		bbox.MaxX, bbox.MinX, bbox.MaxY, bbox.MinY,
		start.UTC().Format(storedTimeLayout), end.UTC().Format(storedTimeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		var id, datetime, crs, payload string
		var minX, minY, maxX, maxY float64
		if err := rows.Scan(&id, &datetime, &minX, &minY, &maxX, &maxY, &crs, &payload); err != nil {
			return nil, err
		}
		props := map[string]interface{}{}
		if err := json.Unmarshal([]byte(payload), &props); err != nil {
			return nil, fmt.Errorf("scene %s properties: %w", id, err)
		}
		ts, err := time.Parse(storedTimeLayout, datetime)
		if err != nil {
			return nil, fmt.Errorf("scene %s datetime %q: %w", id, datetime, err)
		}
		props["datetime"] = ts.Format(time.RFC3339Nano)

		keep, err := f.match(props)
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", id, err)
		}
		if !keep {
			continue
		}

		result := map[string]interface{}{
			"type":       "Feature",
			"id":         id,
			"collection": collection,
			"bbox":       []interface{}{minX, minY, maxX, maxY},
			"crs":        crs,
			"properties": props,
		}
		results = append(results, project(result, fields))
	}
	return results, rows.Err()
}

// project keeps the dotted field paths of result, e.g. "id" or
// "properties.eo:cloud_cover". An empty field list keeps everything.
func project(result map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		return result
	}
	out := map[string]interface{}{}
	for _, field := range append([]string{"properties.datetime"}, fields...) {
		path := strings.Split(field, ".")
		v, ok := lookupPath(result, path)
		if !ok {
			continue
		}
		setPath(out, path, v)
	}
	return out
}

func lookupPath(m map[string]interface{}, path []string) (interface{}, bool) {
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	next, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookupPath(next, path[1:])
}

func setPath(m map[string]interface{}, path []string, v interface{}) {
	if len(path) == 1 {
		m[path[0]] = v
		return
	}
	next, ok := m[path[0]].(map[string]interface{})
	if !ok {
		next = map[string]interface{}{}
		m[path[0]] = next
	}
	setPath(next, path[1:], v)
}
