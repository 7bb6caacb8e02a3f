package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// CRS is a canonical "EPSG:<code>" identifier. Two CRS values are the same
// reference system iff they compare equal.
type CRS string

const WGS84 CRS = "EPSG:4326"

// ParseCRS accepts "EPSG:32633", "epsg:32633" or a bare code such as "32633".
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	code := s
	if idx := strings.Index(s, ":"); idx >= 0 {
		if !strings.EqualFold(s[:idx], "epsg") {
			return "", fmt.Errorf("%w: %q", ErrInvalidCRS, s)
		}
		code = s[idx+1:]
	}
	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCRS, s)
	}
	return CRS(fmt.Sprintf("EPSG:%d", n)), nil
}

func (c CRS) EPSG() int {
	n, _ := strconv.Atoi(strings.TrimPrefix(string(c), "EPSG:"))
	return n
}

func (c *CRS) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	crs, err := ParseCRS(raw)
	if err != nil {
		return err
	}
	*c = crs
	return nil
}

// BBox is an axis aligned rectangle tagged with its reference system.
type BBox struct {
	MinX float64 `yaml:"min_x" json:"min_x"`
	MinY float64 `yaml:"min_y" json:"min_y"`
	MaxX float64 `yaml:"max_x" json:"max_x"`
	MaxY float64 `yaml:"max_y" json:"max_y"`
	CRS  CRS     `yaml:"crs" json:"crs"`
}

func NewBBox(minX, minY, maxX, maxY float64, crs CRS) (*BBox, error) {
	b := &BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, CRS: crs}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BBox) Validate() error {
	if !(b.MinX < b.MaxX) || !(b.MinY < b.MaxY) {
		return fmt.Errorf("%w: (%v, %v, %v, %v)", ErrInvalidBBox, b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	if b.CRS == "" {
		return fmt.Errorf("%w: missing crs", ErrInvalidBBox)
	}
	return nil
}

func (b *BBox) Width() float64 {
	return b.MaxX - b.MinX
}

func (b *BBox) Height() float64 {
	return b.MaxY - b.MinY
}

// Partition splits the box into columns x rows equal sub-boxes. The result is
// indexed [column][row], columns growing eastward and rows northward.
func (b *BBox) Partition(columns, rows int) ([][]*BBox, error) {
	if columns <= 0 || rows <= 0 {
		return nil, fmt.Errorf("%w: %d columns x %d rows", ErrInvalidGrid, columns, rows)
	}
	sizeX := b.Width() / float64(columns)
	sizeY := b.Height() / float64(rows)

	out := make([][]*BBox, columns)
	for i := 0; i < columns; i++ {
		out[i] = make([]*BBox, rows)
		for j := 0; j < rows; j++ {
			out[i][j] = &BBox{
				MinX: b.MinX + float64(i)*sizeX,
				MinY: b.MinY + float64(j)*sizeY,
				MaxX: b.MinX + float64(i+1)*sizeX,
				MaxY: b.MinY + float64(j+1)*sizeY,
				CRS:  b.CRS,
			}
		}
	}
	return out, nil
}

func (b *BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

func (b *BBox) Polygon() orb.Polygon {
	return b.Bound().ToPolygon()
}

func (b *BBox) Clone() *BBox {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

func (b *BBox) String() string {
	return fmt.Sprintf("BBox((%v, %v), (%v, %v), crs=%s)", b.MinX, b.MinY, b.MaxX, b.MaxY, b.CRS)
}
