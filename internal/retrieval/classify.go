package retrieval

import (
	"context"
	"strings"

	"github.com/objones25/ragcore/internal/embeddings/cache"
)

// keywordRule maps phrase cues to a query type. Rules are checked in order and
// the first rule with a matching cue wins.
type keywordRule struct {
	qt   QueryType
	cues []string
}

var keywordRules = []keywordRule{
	{QueryComparative, []string{"difference between", "differences between", "compare", "compared to", " vs ", " vs. ", "versus"}},
	{QuerySummarization, []string{"summarize", "summarise", "summary", "overview of"}},
	{QueryProcedural, []string{"process for", "steps to", "how do i", "how to", "procedure", "apply for"}},
	{QueryTemporal, []string{"when ", "how long", "timeline", "deadline", "how soon", "until"}},
	{QueryFactual, []string{"how many", "how much", "what is", "what are", "who is", "which"}},
}

// KeywordClassifier labels queries from phrase cues without a model. A query
// asking two or more questions is complex.
type KeywordClassifier struct{}

// Classify implements Classifier
func (KeywordClassifier) Classify(_ context.Context, query string) (string, error) {
	q := " " + cache.Normalize(query) + " "
	if strings.Count(q, "?") >= 2 {
		return string(QueryComplex), nil
	}
	for _, rule := range keywordRules {
		for _, cue := range rule.cues {
			if strings.Contains(q, cue) {
				return string(rule.qt), nil
			}
		}
	}
	return string(DefaultQueryType), nil
}
