/*
 * @module service/dataset/split
 * @description Separates the prediction target from the feature columns
 * @architecture Pure function over Table
 * @rules Fails with a lookup error when the target column is absent
 * @dependencies regression-trainer/service/trainerr
 * @refs table.go, service/training
 */

package dataset

import (
	"fmt"

	"regression-trainer/service/trainerr"
)

// FeatAndTarget returns the table without target and a one-column table holding only target.
func FeatAndTarget(df *Table, target string) (features *Table, targets *Table, err error) {
	if !df.HasColumn(target) {
		return nil, nil, trainerr.Lookup("split features",
			fmt.Errorf("target column %q not found in %v", target, df.Names()))
	}
	features, err = df.Drop(target)
	if err != nil {
		return nil, nil, err
	}
	targets, err = df.Select(target)
	if err != nil {
		return nil, nil, err
	}
	return features, targets, nil
}
