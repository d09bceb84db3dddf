package physical

import "fmt"

// RewrittenOperator is the quadruple modGroupByParametersForMerge produces
// (spec §6): the group/aggregation shape to re-run over the concatenated
// partials, expressed against the concatenated batch's own column names
// rather than the original input's positional indices.
type RewrittenOperator struct {
	GroupColumnIndices          []int
	AggregationInputExpressions []string
	AggregationTypes            []AggregationType
	AggregationColumnAliases    []string
}

// ModGroupByParametersForMerge applies the merge rewrite of spec §4.6: it
// maps each original aggregation operator to its merging counterpart so
// MergeAggregateKernel can re-aggregate the concatenated partials with the
// same operator-application machinery ComputeAggregateKernel uses.
//
// Rewrite table:
//   SUM            -> SUM
//   COUNT_VALID    -> SUM   (partials already counted; merge sums counts)
//   COUNT_ALL      -> SUM
//   MIN            -> MIN
//   MAX            -> MAX
//   SUM0           -> SUM0
//   NTH_ELEMENT    -> NTH_ELEMENT (re-selects from the concatenated partials)
//   MEAN           -> two merge columns (SUM, SUM0-of-count), divided after
//                      re-aggregation — represented here as SUM over the
//                      partial-sum alias and SUM0 over the partial-count
//                      alias; the caller divides the two result columns.
//   COUNT_DISTINCT -> COUNT_DISTINCT, re-grouped over the concatenated keys
//
// columnNames is the concatenated batch's schema — ComputeAggregate names
// its partial-aggregate output columns by alias, so the merge step
// resolves its input expressions by alias rather than by the original
// input's positional indices.
func ModGroupByParametersForMerge(groupIndices []int, types []AggregationType, aliases []string, columnNames []string) (RewrittenOperator, error) {
	out := RewrittenOperator{
		GroupColumnIndices: append([]int(nil), groupIndices...),
	}

	nameIndex := make(map[string]int, len(columnNames))
	for i, n := range columnNames {
		nameIndex[n] = i
	}

	for i, t := range types {
		alias := aliases[i]
		switch t {
		case SUM, COUNT_VALID, COUNT_ALL:
			if _, ok := nameIndex[alias]; !ok {
				return RewrittenOperator{}, fmt.Errorf("physical: merge rewrite: partial column %q not found", alias)
			}
			out.AggregationTypes = append(out.AggregationTypes, SUM)
			out.AggregationInputExpressions = append(out.AggregationInputExpressions, alias)
			out.AggregationColumnAliases = append(out.AggregationColumnAliases, alias)
		case MIN, MAX:
			out.AggregationTypes = append(out.AggregationTypes, t)
			out.AggregationInputExpressions = append(out.AggregationInputExpressions, alias)
			out.AggregationColumnAliases = append(out.AggregationColumnAliases, alias)
		case SUM0:
			out.AggregationTypes = append(out.AggregationTypes, SUM0)
			out.AggregationInputExpressions = append(out.AggregationInputExpressions, alias)
			out.AggregationColumnAliases = append(out.AggregationColumnAliases, alias)
		case NTH_ELEMENT:
			out.AggregationTypes = append(out.AggregationTypes, NTH_ELEMENT)
			out.AggregationInputExpressions = append(out.AggregationInputExpressions, alias)
			out.AggregationColumnAliases = append(out.AggregationColumnAliases, alias)
		case MEAN:
			sumAlias := alias + "_sum"
			countAlias := alias + "_count"
			if _, ok := nameIndex[sumAlias]; !ok {
				return RewrittenOperator{}, fmt.Errorf("physical: merge rewrite: MEAN partial sum column %q not found", sumAlias)
			}
			if _, ok := nameIndex[countAlias]; !ok {
				return RewrittenOperator{}, fmt.Errorf("physical: merge rewrite: MEAN partial count column %q not found", countAlias)
			}
			out.AggregationTypes = append(out.AggregationTypes, SUM, SUM0)
			out.AggregationInputExpressions = append(out.AggregationInputExpressions, sumAlias, countAlias)
			out.AggregationColumnAliases = append(out.AggregationColumnAliases, sumAlias, countAlias)
		case COUNT_DISTINCT:
			out.AggregationTypes = append(out.AggregationTypes, COUNT_DISTINCT)
			out.AggregationInputExpressions = append(out.AggregationInputExpressions, alias)
			out.AggregationColumnAliases = append(out.AggregationColumnAliases, alias)
		default:
			return RewrittenOperator{}, fmt.Errorf("physical: merge rewrite: unsupported aggregation type %v", t)
		}
	}

	return out, nil
}

// MeanAliases reports the (sum, count) partial-column alias pair
// ComputeAggregateKernel must emit for a MEAN aggregate named alias, so
// the compute and merge stages agree on naming without either hardcoding
// the other's column layout.
func MeanAliases(alias string) (sum, count string) {
	return alias + "_sum", alias + "_count"
}
