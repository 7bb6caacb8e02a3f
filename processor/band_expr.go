package processor

import (
	"fmt"
	"slices"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/gridjoin/utils"
)

// BandExpression is a per-pixel arithmetic or boolean expression whose
// variables name raster features, e.g. "(B03 - B08) / (B03 + B08) > 0.2".
type BandExpression struct {
	Text string
	Vars []string
	expr *goeval.EvaluableExpression
}

func ParseBandExpression(text string) (*BandExpression, error) {
	if len(strings.TrimSpace(text)) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrExpression)
	}
	expr, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrExpression, text, err)
	}

	be := &BandExpression{Text: text, expr: expr}
	seen := map[string]bool{}
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		name, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: variable token '%v' failed to cast string", ErrExpression, token.Value)
		}
		if !seen[name] {
			seen[name] = true
			be.Vars = append(be.Vars, name)
		}
	}
	if len(be.Vars) == 0 {
		return nil, fmt.Errorf("%w: %q references no feature", ErrExpression, text)
	}
	return be, nil
}

// resolveRaster finds the single raster feature of p called name.
func resolveRaster(p *utils.Patch, name string) (*utils.Array, error) {
	var found *utils.Array
	for key, a := range p.Arrays {
		if key.Name != name || !key.Type.IsRaster() {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %q names more than one raster feature", ErrExpression, name)
		}
		found = a
	}
	if found == nil {
		return nil, fmt.Errorf("%w: raster %q", utils.ErrFeatureNotFound, name)
	}
	return found, nil
}

// EvaluateBandExpression evaluates be at every pixel and stores the result
// in out. Timeless operands are repeated over the frames of the others.
// Mask outputs keep boolean results; data outputs are float32.
func EvaluateBandExpression(p *utils.Patch, be *BandExpression, out utils.FeatureKey) error {
	operands := make([]*utils.Array, len(be.Vars))
	var shape []int
	for i, name := range be.Vars {
		a, err := resolveRaster(p, name)
		if err != nil {
			return err
		}
		operands[i] = a
		if len(a.Shape) > len(shape) {
			shape = a.Shape
		}
	}

	values := make([][]float64, len(operands))
	for i, a := range operands {
		n := a.NDim()
		if n < 3 || n > len(shape) || !slices.Equal(a.Shape[n-3:], shape[len(shape)-3:]) || (n == len(shape) && !slices.Equal(a.Shape, shape)) {
			return fmt.Errorf("%w: %s has shape %v, expected %v", ErrShapeMismatch, be.Vars[i], a.Shape, shape)
		}
		values[i] = a.Float64s()
	}

	dtype := utils.Float32
	if out.Type.IsDiscrete() {
		dtype = utils.Bool
	}
	result, err := utils.NewArray(dtype, shape...)
	if err != nil {
		return err
	}
	outValues := make([]float64, result.Len())

	parameters := make(map[string]interface{}, len(be.Vars))
	for px := range outValues {
		for i, name := range be.Vars {
			v := values[i]
			parameters[name] = v[px%len(v)]
		}
		res, err := be.expr.Evaluate(parameters)
		if err != nil {
			return fmt.Errorf("%w: eval '%v' error: %v", ErrExpression, be.Text, err)
		}
		switch val := res.(type) {
		case bool:
			if val {
				outValues[px] = 1
			}
		case float32:
			outValues[px] = float64(val)
		case float64:
			outValues[px] = val
		default:
			return fmt.Errorf("%w: result '%v' of '%v' is not numeric or boolean", ErrExpression, res, be.Text)
		}
	}
	if err := result.SetFloat64s(outValues); err != nil {
		return err
	}
	return p.SetArray(out, result)
}
