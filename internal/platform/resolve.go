package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// InferIDsFromExternalIDs resolves external ids to asset ids. It fails when
// an external id matches no asset or more than one.
func InferIDsFromExternalIDs(ctx context.Context, src DataSource, projectID string, externalIDs []string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}

	matches := make(map[string][]string, len(externalIDs))
	where := AssetWhere{ExternalIDStrictlyIn: externalIDs}
	for asset, err := range src.Assets(ctx, projectID, where, []string{"id", "externalId"}, QueryOptions{}) {
		if err != nil {
			return nil, fmt.Errorf("resolve external ids: %w", err)
		}
		matches[asset.ExternalID] = append(matches[asset.ExternalID], asset.ID)
	}

	var missing, ambiguous []string
	ids := make([]string, 0, len(externalIDs))
	for _, ext := range externalIDs {
		switch found := matches[ext]; len(found) {
		case 0:
			missing = append(missing, ext)
		case 1:
			ids = append(ids, found[0])
		default:
			ambiguous = append(ambiguous, ext)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnknownExternalID, strings.Join(missing, ", "))
	}
	if len(ambiguous) > 0 {
		sort.Strings(ambiguous)
		return nil, fmt.Errorf("external ids match several assets: %s", strings.Join(ambiguous, ", "))
	}
	return ids, nil
}
