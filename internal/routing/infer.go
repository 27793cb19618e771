package routing

import (
	"regexp"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
)

var (
	numericToken   = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?%?`)
	sequentialWord = regexp.MustCompile(`(?i)\b(?:then|next|after(?:wards)?|before|first|second|finally|step|stage|phase|process|workflow)\b|->|→|=>`)
)

// infer picks a strategy for a kind the catalog does not know.
func (e *Engine) infer(req backend.Request, kind string) Strategy {
	content := req.Content

	if len(backend.ParseSeries(content)) >= 2 || len(numericToken.FindAllString(content, -1)) >= 3 {
		return Strategy{
			Primary:          catalog.MethodChart,
			Confidence:       0.4,
			Justification:    "inferred: unknown kind " + quoteKind(kind) + " with numeric data, drawing a bar chart",
			Fallbacks:        []catalog.Method{catalog.MethodMermaid},
			EstimatedLatency: e.catalog.EstimatedLatency(catalog.MethodChart),
			Quality:          catalog.QualityAcceptable,
			Source:           SourceInferred,
			TargetKind:       catalog.KindBarChart,
		}
	}

	if len(sequentialWord.FindAllString(content, -1)) >= 1 {
		return Strategy{
			Primary:          catalog.MethodMermaid,
			Confidence:       0.35,
			Justification:    "inferred: unknown kind " + quoteKind(kind) + " with sequential language, drawing a flowchart",
			Fallbacks:        []catalog.Method{catalog.MethodTemplate},
			EstimatedLatency: e.catalog.EstimatedLatency(catalog.MethodMermaid),
			Quality:          catalog.QualityAcceptable,
			Source:           SourceInferred,
			TargetKind:       catalog.KindFlowchart,
		}
	}

	return Strategy{
		Primary:          catalog.MethodMermaid,
		Confidence:       0.2,
		Justification:    "inferred: unknown kind " + quoteKind(kind) + " with no content signal, drawing a mind map",
		Fallbacks:        []catalog.Method{catalog.MethodTemplate},
		EstimatedLatency: e.catalog.EstimatedLatency(catalog.MethodMermaid),
		Quality:          catalog.QualityAcceptable,
		Source:           SourceInferred,
		TargetKind:       catalog.KindMindMap,
	}
}

func quoteKind(kind string) string {
	if kind == "" {
		return `""`
	}
	return `"` + kind + `"`
}
