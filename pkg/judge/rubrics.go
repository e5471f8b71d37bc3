package judge

import "sort"

// Built-in evaluation dimensions. Each rubric tells the judge what the
// dimension measures and what separates a 1 from a 5.
var builtinRubrics = map[string]string{
	"accuracy": `Accuracy measures whether the artifact's claims are correct and verifiable.
5 — every factual claim is correct; numbers, names, and citations check out.
4 — essentially correct with one or two harmless imprecisions.
3 — mostly correct, but contains an error a careful reader would catch.
2 — several errors or one that undermines a main conclusion.
1 — pervasively wrong or fabricated content.`,

	"completeness": `Completeness measures whether the artifact covers everything the source document and task demand.
5 — all required points addressed; nothing material missing.
4 — covers the essentials, misses a secondary point.
3 — noticeable gaps; a reader must consult the source to fill them.
2 — major sections of the task are unaddressed.
1 — barely engages with the task.`,

	"clarity": `Clarity measures how easy the artifact is to read and navigate.
5 — crisp structure, unambiguous sentences, good signposting.
4 — readable throughout with minor rough patches.
3 — understandable but takes effort; some confusing passages.
2 — disorganized or frequently ambiguous.
1 — hard to follow at all.`,

	"depth": `Depth measures the level of analysis beyond surface restatement.
5 — insightful synthesis: implications, tradeoffs, and second-order effects.
4 — solid analysis with some original observations.
3 — competent summary with limited analysis.
2 — mostly restates inputs.
1 — superficial or padded.`,

	"style": `Style measures fit for the intended audience and register.
5 — tone, terminology, and formatting match the audience precisely.
4 — appropriate with minor lapses.
3 — serviceable but generic.
2 — noticeably wrong register or inconsistent voice.
1 — inappropriate for the audience.`,
}

// Rubrics resolves the dimension set for a run: built-ins with per-run
// overrides applied. Override keys that name no built-in dimension add new
// dimensions.
func Rubrics(overrides map[string]string) map[string]string {
	out := make(map[string]string, len(builtinRubrics)+len(overrides))
	for dim, rubric := range builtinRubrics {
		out[dim] = rubric
	}
	for dim, rubric := range overrides {
		out[dim] = rubric
	}
	return out
}

// Dimensions returns the rubric keys in stable sorted order; task
// enumeration and sort_order assignment depend on it.
func Dimensions(rubrics map[string]string) []string {
	dims := make([]string, 0, len(rubrics))
	for dim := range rubrics {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	return dims
}
