/*
 * @module service/preprocessing/pipeline
 * @description Column transformer that routes column subsets to transformers and concatenates their outputs
 * @architecture Transformer composition - not part of the training path, kept as a separately testable transform
 * @stateFlow select columns per branch -> fit/transform each branch -> horizontal concatenation
 * @dependencies gonum.org/v1/gonum/mat
 * @refs transformer.go
 */

package preprocessing

import (
	"gonum.org/v1/gonum/mat"

	"regression-trainer/service/dataset"
	"regression-trainer/service/trainerr"
)

// Branch applies a transformer to a named set of columns
type Branch struct {
	Name        string
	Transformer Transformer
	Columns     []string
}

// ColumnTransformer applies each branch to its columns and stacks the results side by side
type ColumnTransformer struct {
	Branches []Branch
}

// NewColumnTransformer builds a transformer from branches.
func NewColumnTransformer(branches ...Branch) *ColumnTransformer {
	return &ColumnTransformer{Branches: branches}
}

func (c *ColumnTransformer) Fit(t *dataset.Table) error {
	for _, b := range c.Branches {
		sub, err := t.Select(b.Columns...)
		if err != nil {
			return err
		}
		if err := b.Transformer.Fit(sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *ColumnTransformer) Transform(t *dataset.Table) (*mat.Dense, error) {
	if err := checkRows("column transformer", t); err != nil {
		return nil, err
	}
	var blocks []*mat.Dense
	width := 0
	for _, b := range c.Branches {
		sub, err := t.Select(b.Columns...)
		if err != nil {
			return nil, err
		}
		block, err := b.Transformer.Transform(sub)
		if err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		_, cols := block.Dims()
		width += cols
		blocks = append(blocks, block)
	}
	if width == 0 {
		return nil, trainerr.Newf(trainerr.KindShape, "column transformer", "no columns selected by any branch")
	}

	out := mat.NewDense(t.Rows(), width, nil)
	offset := 0
	for _, block := range blocks {
		rows, cols := block.Dims()
		out.Slice(0, rows, offset, offset+cols).(*mat.Dense).Copy(block)
		offset += cols
	}
	return out, nil
}

func (c *ColumnTransformer) OutputNames() []string {
	var names []string
	for _, b := range c.Branches {
		for _, n := range b.Transformer.OutputNames() {
			names = append(names, b.Name+"__"+n)
		}
	}
	return names
}

// PipelineTransform scales every column of df as numeric and one-hot encodes an
// empty categorical column list, then returns the fitted transform of df.
// Nothing in the training path calls it.
func PipelineTransform(df *dataset.Table) (*mat.Dense, []string, error) {
	numCols := df.Names()
	var catCols []string
	full := NewColumnTransformer(
		Branch{Name: "num", Transformer: NewStandardScaler(), Columns: numCols},
		Branch{Name: "cat", Transformer: NewOneHotEncoder(), Columns: catCols},
	)
	prepared, err := FitTransform(full, df)
	if err != nil {
		return nil, nil, err
	}
	return prepared, full.OutputNames(), nil
}
