package provision

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// StackParameters merges multiple parameter maps with later maps having
// higher precedence and returns a CloudFormation parameter list in key
// order.
func StackParameters(pp ...map[string]string) []cftypes.Parameter {
	m := map[string]string{}
	for _, p := range pp {
		maps.Copy(m, p)
	}

	var results []cftypes.Parameter
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v := m[k]
		results = append(results, cftypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(v),
		})
	}

	return results
}
