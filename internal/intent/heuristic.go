package intent

import "strings"

var greetingPhrases = []string{
	"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
	"thanks", "thank you", "bye", "goodbye",
}

var followUpIndicators = []string{
	"now split", "split by", "break down", "breakdown", "also show",
	"same but", "and also", "what about", "now by", "instead of",
	"drill down", "group it by",
}

var dimensionKeywords = []string{"split by", "break down", "breakdown", "group by", "grouped by", " by "}
var filterKeywords = []string{"filter", "only", "just", "exclude", "where", "for "}
var timeframeKeywords = []string{"last ", "this ", "previous ", "next ", "monthly", "weekly", "quarterly", "daily"}
var aggregationKeywords = []string{"per week", "per month", "per day", "per quarter", "by week", "by month", "by day", "by quarter"}

// ClassifyHeuristic covers the deterministic fast paths: greetings and
// obvious follow-up phrasings. It returns false when the utterance needs the
// external classifier.
func ClassifyHeuristic(utterance string, hasPriorPlan bool) (Classification, bool) {
	normalized := strings.ToLower(strings.TrimSpace(utterance))
	if normalized == "" {
		return Classification{}, false
	}

	for _, phrase := range greetingPhrases {
		if normalized == phrase || strings.HasPrefix(normalized, phrase+"!") || strings.HasPrefix(normalized, phrase+",") {
			return Classification{
				Intent:     SmallTalk,
				Confidence: 0.95,
				Reason:     "greeting fast path",
			}, true
		}
	}

	if hasPriorPlan {
		for _, indicator := range followUpIndicators {
			if strings.Contains(normalized, indicator) {
				return Classification{
					Intent:         FollowUpSQL,
					Confidence:     0.85,
					Reason:         "follow-up indicator fast path",
					ForceToolUsage: true,
					FollowUp: FollowUpInfo{
						IsFollowUp:              true,
						FollowUpType:            DetectModificationKind(normalized),
						ModificationInstruction: strings.TrimSpace(utterance),
					},
				}, true
			}
		}
	}

	return Classification{}, false
}

// DetectModificationKind maps a follow-up utterance onto the normalized
// modification vocabulary. Keyword order matters: aggregation granularity
// phrases ("per week") would otherwise match the dimension keywords.
func DetectModificationKind(utterance string) string {
	normalized := strings.ToLower(utterance)
	for _, keyword := range aggregationKeywords {
		if strings.Contains(normalized, keyword) {
			return "change_aggregation"
		}
	}
	for _, keyword := range dimensionKeywords {
		if strings.Contains(normalized, keyword) {
			return "add_dimension"
		}
	}
	for _, keyword := range timeframeKeywords {
		if strings.Contains(normalized, keyword) {
			return "change_timeframe"
		}
	}
	for _, keyword := range filterKeywords {
		if strings.Contains(normalized, keyword) {
			return "add_filter"
		}
	}
	return "add_filter"
}
